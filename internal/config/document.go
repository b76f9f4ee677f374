// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package config holds the canonical runtime configuration document and the
// synthesizer that derives it from the vectorized options and the guest
// probes.
package config

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

const (
	ConfigFileName = "cuttlefish_config.json"

	VmmCrosvm = "crosvm"
	VmmQemu   = "qemu"
	VmmGem5   = "gem5"

	ApBootFlowNone         = "none"
	ApBootFlowLegacyDirect = "legacy_direct"

	BootFlowAndroid  = "android"
	BootFlowChromeOs = "chromeos"
)

// Radio bits of Document.NetsimRadios.
const (
	RadioBluetooth = 1 << iota
	RadioUwb
	RadioWifi
)

// Document is the canonical configuration read by every launcher process.
// Keys the assembler does not model are kept and written back unchanged.
type Document struct {
	RootDir            string `json:"root_dir"`
	AssemblyDir        string `json:"assembly_dir"`
	InstancesDir       string `json:"instances_dir"`
	InstancesUdsDir    string `json:"instances_uds_dir"`
	EnvironmentsDir    string `json:"environments_dir"`
	EnvironmentsUdsDir string `json:"environments_uds_dir"`

	VmManager   string   `json:"vm_manager"`
	ApVmManager string   `json:"ap_vm_manager"`
	SecureHals  []string `json:"secure_hals"`
	HostSandbox bool     `json:"host_sandbox"`

	CrosvmBinary   string `json:"crosvm_binary"`
	KvmPath        string `json:"kvm_path"`
	VhostVsockPath string `json:"vhost_vsock_path"`
	Gem5DebugFlags string `json:"gem5_debug_flags"`

	ExtraKernelCmdline []string          `json:"extra_kernel_cmdline"`
	HostToolsVersion   map[string]uint32 `json:"host_tools_version,omitempty"`
	StracedExecutables []string          `json:"straced_host_executables"`
	EnableMetrics      bool              `json:"enable_metrics"`
	SnapshotPath       string            `json:"snapshot_path"`

	NetsimRadios     int      `json:"netsim_radios"`
	NetsimArgs       []string `json:"netsim_args"`
	EnableHostUwb    bool     `json:"enable_host_uwb"`
	EnableHostUwbCon bool     `json:"enable_host_uwb_connector"`
	PicaUciPort      int      `json:"pica_uci_port"`

	EnableHostBluetooth    bool     `json:"enable_host_bluetooth"`
	EnableHostBluetoothCon bool     `json:"enable_host_bluetooth_connector"`
	RootcanalArgs          []string `json:"rootcanal_args"`
	RootcanalHciPort       int      `json:"rootcanal_hci_port"`
	RootcanalLinkPort      int      `json:"rootcanal_link_port"`
	RootcanalLinkBlePort   int      `json:"rootcanal_link_ble_port"`
	RootcanalTestPort      int      `json:"rootcanal_test_port"`

	EnableHostNfc    bool     `json:"enable_host_nfc"`
	EnableHostNfcCon bool     `json:"enable_host_nfc_connector"`
	CasimirArgs      []string `json:"casimir_args"`
	CasimirNciPort   int      `json:"casimir_nci_port"`
	CasimirRfPort    int      `json:"casimir_rf_port"`

	VhalProxyServerPort int `json:"vhal_proxy_server_port"`

	WebrtcSigServerAddr string `json:"webrtc_sig_server_addr"`
	WebrtcSigServerPort int    `json:"webrtc_sig_server_port"`

	VirtioMac80211Hwsim bool   `json:"virtio_mac80211_hwsim"`
	ApRootfsImage       string `json:"ap_rootfs_image"`
	ApKernelImage       string `json:"ap_kernel_image"`

	InstanceNames []string                   `json:"instance_names"`
	Instances     map[string]*Instance       `json:"instances"`
	Environments  map[string]*Environment    `json:"environments"`
	Fragments     map[string]json.RawMessage `json:"fragments"`

	extra map[string]json.RawMessage
}

type documentFields Document

func (d Document) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(documentFields(d), d.extra)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var fields documentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownKeys(data, reflect.TypeOf(fields))
	if err != nil {
		return err
	}
	*d = Document(fields)
	d.extra = extra
	return nil
}

// Instance returns the record for instance id, or nil.
func (d *Document) Instance(id int) *Instance {
	return d.Instances[strconv.Itoa(id)]
}

// OrderedInstances returns the instances in instance_names order.
func (d *Document) OrderedInstances() []*Instance {
	out := make([]*Instance, 0, len(d.Instances))
	for _, name := range d.InstanceNames {
		id, err := strconv.Atoi(strings.TrimPrefix(name, "cvd-"))
		if err != nil {
			continue
		}
		if inst := d.Instance(id); inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Environment returns the environment owning inst.
func (d *Document) Environment(inst *Instance) *Environment {
	return d.Environments[inst.EnvironmentName]
}

func (d *Document) AssemblyPath(name string) string {
	return filepath.Join(d.AssemblyDir, name)
}

type DisplayConfig struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Dpi           int    `json:"dpi"`
	RefreshRateHz int    `json:"refresh_rate_hz"`
	Overlays      string `json:"overlays,omitempty"`
}

type TouchpadConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Instance is one guest's record. Paths are absolute.
type Instance struct {
	ID                     int    `json:"id"`
	Name                   string `json:"instance_name"`
	EnvironmentName        string `json:"environment_name"`
	InstanceDir            string `json:"instance_dir"`
	InstanceInternalDir    string `json:"instance_internal_dir"`
	LogsDir                string `json:"logs_dir"`
	InstanceUdsDir         string `json:"instance_uds_dir"`
	InstanceInternalUdsDir string `json:"instance_internal_uds_dir"`
	GrpcSocketPath         string `json:"grpc_socket_path"`
	VsockTmpDir            string `json:"vsock_tmp_dir"`

	SerialNumber    string `json:"serial_number"`
	UUID            string `json:"uuid"`
	SessionID       int    `json:"session_id"`
	VsockGuestCid   int    `json:"vsock_guest_cid"`
	VsockGuestGroup string `json:"vsock_guest_group"`

	Cpus      int  `json:"cpus"`
	Smt       bool `json:"smt"`
	MemoryMb  int  `json:"memory_mb"`
	DdrMemMb  int  `json:"ddr_mem_mb"`
	UseAllocd bool `json:"use_allocd"`

	TargetArch              string `json:"target_arch"`
	DeviceType              string `json:"device_type"`
	GuestAndroidVersion     string `json:"guest_android_version"`
	BootconfigSupported     bool   `json:"bootconfig_supported"`
	FilenameEncryptionMode  string `json:"filename_encryption_mode"`
	EnableMouse             bool   `json:"enable_mouse"`
	EnableGamepad           bool   `json:"enable_gamepad"`
	CustomKeyboardConfig    string `json:"custom_keyboard_config"`
	DomkeyMappingConfig     string `json:"domkey_mapping_config"`
	AudioOutputStreamsCount int    `json:"audio_output_streams_count"`
	Ti50Emulator            string `json:"ti50_emulator"`
	BootFlow                string `json:"boot_flow"`

	Console              bool     `json:"console"`
	Kgdb                 bool     `json:"kgdb"`
	GdbPort              int      `json:"gdb_port"`
	SetupwizardMode      string   `json:"setupwizard_mode"`
	GuestEnforceSecurity bool     `json:"guest_enforce_security"`
	PauseInBootloader    bool     `json:"pause_in_bootloader"`
	RunAsDaemon          bool     `json:"run_as_daemon"`
	ExtraBootconfigArgs  []string `json:"extra_bootconfig_args"`
	RecordScreen         bool     `json:"record_screen"`
	EnableJcardSimulator bool     `json:"enable_jcard_simulator"`

	EnableModemSimulator  bool   `json:"enable_modem_simulator"`
	ModemSimulatorCount   int    `json:"modem_simulator_instance_number"`
	ModemSimulatorSimType int    `json:"modem_simulator_sim_type"`
	ModemSimulatorPorts   string `json:"modem_simulator_ports"`
	ModemSimulatorHostID  int    `json:"modem_simulator_host_id"`

	QemuVncServerPort       int    `json:"qemu_vnc_server_port"`
	AdbHostPort             int    `json:"adb_host_port"`
	AdbIPAndPort            string `json:"adb_ip_and_port"`
	FastbootHostPort        int    `json:"fastboot_host_port"`
	TombstoneReceiverPort   int    `json:"tombstone_receiver_port"`
	AudiocontrolServerPort  int    `json:"audiocontrol_server_port"`
	LightsServerPort        int    `json:"lights_server_port"`
	GnssGrpcProxyServerPort int    `json:"gnss_grpc_proxy_server_port"`
	CameraServerPort        int    `json:"camera_server_port"`
	WebrtcSigServerPort     int    `json:"webrtc_sig_server_port"`
	WebrtcDeviceID          string `json:"webrtc_device_id"`
	WifiMacPrefix           int    `json:"wifi_mac_prefix"`

	MobileBridgeName    string `json:"mobile_bridge_name"`
	WifiBridgeName      string `json:"wifi_bridge_name"`
	EthernetBridgeName  string `json:"ethernet_bridge_name"`
	MobileTapName       string `json:"mobile_tap_name"`
	WifiTapName         string `json:"wifi_tap_name"`
	EthernetTapName     string `json:"ethernet_tap_name"`
	UseBridgedWifiTap   bool   `json:"use_bridged_wifi_tap"`
	MobileMac           string `json:"mobile_mac"`
	WifiMac             string `json:"wifi_mac"`
	EthernetMac         string `json:"ethernet_mac"`
	EthernetIPv6        string `json:"ethernet_ipv6"`
	RilDNS              string `json:"ril_dns"`
	RilIPAddr           string `json:"ril_ipaddr"`
	RilGateway          string `json:"ril_gateway"`
	RilBroadcast        string `json:"ril_broadcast"`
	RilPrefixLen        int    `json:"ril_prefixlen"`
	ExternalNetworkMode string `json:"external_network_mode"`
	EnableTapDevices    bool   `json:"enable_tap_devices"`

	GpuMode                  string           `json:"gpu_mode"`
	Hwcomposer               string           `json:"hwcomposer"`
	GpuCaptureBinary         string           `json:"gpu_capture_binary"`
	RestartSubprocesses      bool             `json:"restart_subprocesses"`
	EnableGpuUdmabuf         bool             `json:"enable_gpu_udmabuf"`
	GpuContextTypes          string           `json:"gpu_context_types"`
	GuestVulkanDriver        string           `json:"guest_vulkan_driver"`
	GuestHwuiRenderer        string           `json:"guest_hwui_renderer"`
	GuestRendererPreload     string           `json:"guest_renderer_preload"`
	GuestUsesBgraFramebuffer bool             `json:"guest_uses_bgra_framebuffers"`
	FramesSocketPath         string           `json:"frames_socket_path"`
	DisplayConfigs           []DisplayConfig  `json:"display_configs"`
	TouchpadConfigs          []TouchpadConfig `json:"touchpad_configs"`

	CrosvmBinary      string          `json:"crosvm_binary"`
	QemuBinaryDir     string          `json:"qemu_binary_dir"`
	Gem5BinaryDir     string          `json:"gem5_binary_dir"`
	Gem5CheckpointDir string          `json:"gem5_checkpoint_dir"`
	CrosvmUseBalloon  bool            `json:"crosvm_use_balloon"`
	CrosvmUseRng      bool            `json:"crosvm_use_rng"`
	EnableSandbox     bool            `json:"enable_sandbox"`
	EnableVirtiofs    bool            `json:"enable_virtiofs"`
	EnableUsb         bool            `json:"enable_usb"`
	VhostUserVsock    bool            `json:"vhost_user_vsock"`
	VhostUserBlock    bool            `json:"vhost_user_block"`
	Mcu               json.RawMessage `json:"mcu,omitempty"`

	EnableAudio           bool   `json:"enable_audio"`
	EnableGnssGrpcProxy   bool   `json:"enable_gnss_grpc_proxy"`
	GnssFilePath          string `json:"gnss_file_path"`
	FixedLocationFilePath string `json:"fixed_location_file_path"`
	StartNetsim           bool   `json:"start_netsim"`
	StartRootcanal        bool   `json:"start_rootcanal"`
	StartCasimir          bool   `json:"start_casimir"`
	StartPica             bool   `json:"start_pica"`
	StartVhalProxyServer  bool   `json:"start_vhal_proxy_server"`
	StartWmediumd         bool   `json:"start_wmediumd_instance"`
	StartWebrtcSigServer  bool   `json:"start_webrtc_sig_server"`
	ApBootFlow            string `json:"ap_boot_flow"`

	DataPolicy         string   `json:"data_policy"`
	BlankDataImageMb   int      `json:"blank_data_image_mb"`
	BlankSdcardImageMb int      `json:"blank_sdcard_image_mb"`
	UseSdcard          bool     `json:"use_sdcard"`
	UserdataFormat     string   `json:"userdata_format"`
	VirtualDiskPaths   []string `json:"virtual_disk_paths"`

	BootImage                string `json:"boot_image"`
	NewBootImage             string `json:"new_boot_image"`
	InitBootImage            string `json:"init_boot_image"`
	VendorBootImage          string `json:"vendor_boot_image"`
	NewVendorBootImage       string `json:"new_vendor_boot_image"`
	SuperImage               string `json:"super_image"`
	NewSuperImage            string `json:"new_super_image"`
	VbmetaImage              string `json:"vbmeta_image"`
	NewVbmetaImage           string `json:"new_vbmeta_image"`
	VbmetaSystemImage        string `json:"vbmeta_system_image"`
	VbmetaVendorDlkmImage    string `json:"vbmeta_vendor_dlkm_image"`
	NewVbmetaVendorDlkmImage string `json:"new_vbmeta_vendor_dlkm_image"`
	VbmetaSystemDlkmImage    string `json:"vbmeta_system_dlkm_image"`
	NewVbmetaSystemDlkmImage string `json:"new_vbmeta_system_dlkm_image"`
	MiscImage                string `json:"misc_image"`
	NewMiscImage             string `json:"new_misc_image"`
	MiscInfoTxt              string `json:"misc_info_txt"`
	MetadataImage            string `json:"metadata_image"`
	NewMetadataImage         string `json:"new_metadata_image"`
	BlankMetadataImageMb     int    `json:"blank_metadata_image_mb"`
	DataImage                string `json:"data_image"`
	NewDataImage             string `json:"new_data_image"`
	SdcardPath               string `json:"sdcard_path"`
	SdcardOverlayPath        string `json:"sdcard_overlay_path"`
	KernelPath               string `json:"kernel_path"`
	InitramfsPath            string `json:"initramfs_path"`
	Bootloader               string `json:"bootloader"`
	DefaultTargetZip         string `json:"default_target_zip"`
	SystemTargetZip          string `json:"system_target_zip"`
	VvmtruststorePath        string `json:"vvmtruststore_path"`
	AndroidEfiLoader         string `json:"android_efi_loader"`

	extra map[string]json.RawMessage
}

type instanceFields Instance

func (i Instance) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(instanceFields(i), i.extra)
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	var fields instanceFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownKeys(data, reflect.TypeOf(fields))
	if err != nil {
		return err
	}
	*i = Instance(fields)
	i.extra = extra
	return nil
}

func (i *Instance) PerInstancePath(name string) string {
	return filepath.Join(i.InstanceDir, name)
}

func (i *Instance) PerInstanceInternalPath(name string) string {
	return filepath.Join(i.InstanceInternalDir, name)
}

func (i *Instance) PerInstanceLogPath(name string) string {
	return filepath.Join(i.LogsDir, name)
}

func (i *Instance) PerInstanceUdsPath(name string) string {
	return filepath.Join(i.InstanceUdsDir, name)
}

func (i *Instance) PerInstanceInternalUdsPath(name string) string {
	return filepath.Join(i.InstanceInternalUdsDir, name)
}

// SharedDir, RecordingDir are created by the materializer but carry no state
// of their own in the document.
func (i *Instance) SharedDir() string    { return i.PerInstancePath("shared") }
func (i *Instance) RecordingDir() string { return i.PerInstancePath("recording") }

// Environment groups instances sharing host-side radio simulation.
type Environment struct {
	Name                    string `json:"environment_name"`
	EnvironmentDir          string `json:"environment_dir"`
	EnvironmentUdsDir       string `json:"environment_uds_dir"`
	LogsDir                 string `json:"logs_dir"`
	GrpcSocketDir           string `json:"grpc_socket_dir"`
	GroupUUID               string `json:"group_uuid"`
	EnableWifi              bool   `json:"enable_wifi"`
	StartWmediumd           bool   `json:"start_wmediumd"`
	VhostUserMac80211Hwsim  string `json:"vhost_user_mac80211_hwsim"`
	WmediumdAPIServerSocket string `json:"wmediumd_api_server_socket"`
	WmediumdConfig          string `json:"wmediumd_config"`
	WmediumdMacPrefix       int    `json:"wmediumd_mac_prefix"`

	extra map[string]json.RawMessage
}

type environmentFields Environment

func (e Environment) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(environmentFields(e), e.extra)
}

func (e *Environment) UnmarshalJSON(data []byte) error {
	var fields environmentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownKeys(data, reflect.TypeOf(fields))
	if err != nil {
		return err
	}
	*e = Environment(fields)
	e.extra = extra
	return nil
}

func (e *Environment) PerEnvironmentUdsPath(name string) string {
	return filepath.Join(e.EnvironmentUdsDir, name)
}

func (e *Environment) PerEnvironmentLogPath(name string) string {
	return filepath.Join(e.LogsDir, name)
}

// marshalWithExtra encodes v as an object with sorted keys, adding the
// unmodelled keys captured at load time.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = raw
		}
	}
	return json.Marshal(fields)
}

func unknownKeys(data []byte, t reflect.Type) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, name := range jsonNames(t) {
		delete(all, name)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func jsonNames(t reflect.Type) []string {
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}
