// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

// Inputs is everything the synthesizer reads. Guests and Fetchers are
// indexed like InstanceNums.
type Inputs struct {
	Env          cvd.Env
	Options      *flags.Record
	InstanceNums []int
	Guests       []guest.GuestConfig
	Fetchers     []guest.FetcherConfig
	Fragments    []Fragment
	// Allocd overrides the resource allocator client used for instances
	// with --use_allocd.
	Allocd InterfaceAllocator
}

const (
	defaultBlankDataImageMb = 8192
	audioControlPort        = 9410
)

// interfaceExists is swapped in tests.
var interfaceExists = func(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

// Synthesize builds the configuration document. Apart from network
// interface allocation it does not touch the host.
func Synthesize(in Inputs) (*Document, error) {
	ctx, span := cvd.StartSpan(in.Env, "config.Synthesize", attribute.Int("instances", len(in.InstanceNums)))
	defer span.End()
	in.Env = in.Env.WithContext(ctx)

	doc, err := synthesize(in)
	cvd.RecordSpanError(span, err)
	return doc, err
}

func synthesize(in Inputs) (*Document, error) {
	rec := in.Options
	if snap := rec.Str(flags.SnapshotPath, 0); snap != "" {
		return LoadSnapshotDocument(in.Env, snap)
	}
	if len(in.InstanceNums) == 0 || len(in.Guests) != len(in.InstanceNums) {
		return nil, cvd.Errorf(cvd.FatalInternal, "%d guest configs for %d instances", len(in.Guests), len(in.InstanceNums))
	}

	doc := &Document{
		Instances:    map[string]*Instance{},
		Environments: map[string]*Environment{},
	}
	var err error
	if doc.Fragments, err = SerializeFragments(in.Fragments); err != nil {
		return nil, err
	}
	if err := setGlobals(doc, in); err != nil {
		return nil, err
	}
	envSpec, err := newEnvironment(doc, in)
	if err != nil {
		return nil, err
	}
	doc.Environments[envSpec.Name] = envSpec

	sandboxDefaults := make([]string, len(in.InstanceNums))
	for i, num := range in.InstanceNums {
		inst, err := buildInstance(doc, envSpec, in, i, num)
		if err != nil {
			return nil, cvd.Wrap(cvd.KindOf(err), err, "instance %d", num)
		}
		doc.Instances[strconv.Itoa(num)] = inst
		doc.InstanceNames = append(doc.InstanceNames, inst.Name)
		if i == 0 {
			doc.WebrtcSigServerPort = inst.WebrtcSigServerPort
		}
		sandboxDefaults[i] = strconv.FormatBool(rec.Bool(flags.EnableSandbox, i))
		if inst.GpuMode != "guest_swiftshader" {
			sandboxDefaults[i] = "false"
		}
	}
	if err := checkUniqueCids(doc); err != nil {
		return nil, err
	}

	// The sandbox cannot be used with host GPU acceleration; the defaults
	// depend on the per-instance GPU decision.
	if rec, err = rec.WithDefault(flags.EnableSandbox, sandboxDefaults...); err != nil {
		return nil, err
	}
	if rec, err = rec.WithDefault(flags.EnableVirtiofs, sandboxDefaults...); err != nil {
		return nil, err
	}
	for i, num := range in.InstanceNums {
		inst := doc.Instance(num)
		inst.EnableSandbox = rec.Bool(flags.EnableSandbox, i)
		inst.EnableVirtiofs = rec.Bool(flags.EnableVirtiofs, i)
	}

	if err := VectorizeDiskImages(in.Env, doc, rec, in.InstanceNums, in.Fetchers); err != nil {
		return nil, err
	}
	return doc, nil
}

func setGlobals(doc *Document, in Inputs) error {
	env, rec := in.Env, in.Options
	root, err := filepath.Abs(rec.Str(flags.InstanceDir, 0))
	if err != nil {
		return cvd.Wrap(cvd.InvalidOptions, err, "--instance_dir")
	}
	doc.RootDir = root
	doc.AssemblyDir = filepath.Join(root, "assembly")
	doc.InstancesDir = filepath.Join(root, "instances")
	doc.EnvironmentsDir = filepath.Join(root, "environments")
	doc.InstancesUdsDir = env.PerUserTempDir("cf_avd")
	doc.EnvironmentsUdsDir = env.PerUserTempDir("cf_env")
	if unix.Access(env.TempDir, unix.W_OK) != nil {
		doc.EnvironmentsUdsDir = doc.EnvironmentsDir
	}
	doc.HostSandbox = env.Sandbox

	if doc.VmManager, err = flags.NormalizeVmm(rec.Str(flags.VMManager, 0)); err != nil {
		return err
	}
	doc.ApVmManager = doc.VmManager + "_openwrt"
	doc.CrosvmBinary = rec.Str("crosvm_binary", 0)
	doc.KvmPath = rec.Str("kvm_path", 0)
	doc.VhostVsockPath = rec.Str("vhost_vsock_path", 0)
	doc.Gem5DebugFlags = rec.Str("gem5_debug_flags", 0)

	hals := DefaultSecureHals(in.Guests[0].TargetArch)
	if rec.IsSet("secure_hals") {
		hals = rec.Str("secure_hals", 0)
	}
	if doc.SecureHals, err = ParseSecureHals(hals); err != nil {
		return err
	}
	if rec.Bool("enable_jcard_simulator", 0) && !slices.Contains(doc.SecureHals, halGuestStrongboxInsecure) {
		doc.SecureHals = append(doc.SecureHals, halGuestStrongboxInsecure)
		slices.Sort(doc.SecureHals)
	}

	if doc.ExtraKernelCmdline, err = splitArgs("extra_kernel_cmdline", rec.Str("extra_kernel_cmdline", 0)); err != nil {
		return err
	}
	if rec.Bool("track_host_tools_crc", 0) {
		doc.HostToolsVersion = hostToolsCrc(env)
	}
	doc.StracedExecutables = nonNil(rec.List("straced_host_executables"))
	doc.EnableMetrics = rec.Bool("enable_metrics", 0)
	doc.WebrtcSigServerAddr = rec.Str("webrtc_sig_server_addr", 0)

	doc.VirtioMac80211Hwsim = rec.Bool("virtio_mac80211_hwsim", 0)
	if enforce := in.Guests[0].EnforceMac80211Hwsim; enforce != nil {
		doc.VirtioMac80211Hwsim = *enforce
	}

	rootfs := rec.List("ap_rootfs_image")
	kernel := rec.Str("ap_kernel_image", 0)
	if (len(rootfs) == 0) != (kernel == "") {
		return cvd.Errorf(cvd.InvalidOptions, "--ap_rootfs_image and --ap_kernel_image must be set together")
	}
	if len(rootfs) > 0 {
		doc.ApRootfsImage = rootfs[0]
		doc.ApKernelImage = kernel
	}

	netsim := rec.Bool("netsim", 0)
	btNetsim := netsim || rec.Bool("netsim_bt", 0)
	uwbNetsim := netsim || rec.Bool("netsim_uwb", 0)
	if btNetsim {
		doc.NetsimRadios |= RadioBluetooth
	}
	if uwbNetsim {
		doc.NetsimRadios |= RadioUwb
	}
	if netsim && rec.Bool("enable_wifi", 0) {
		doc.NetsimRadios |= RadioWifi
	}
	if doc.NetsimArgs, err = splitArgs("netsim_args", rec.Str("netsim_args", 0)); err != nil {
		return err
	}

	first := in.InstanceNums[0]
	doc.EnableHostBluetooth = rec.Bool("enable_host_bluetooth", 0) || btNetsim
	doc.EnableHostBluetoothCon = rec.Bool("enable_host_bluetooth", 0) && !btNetsim
	if doc.RootcanalArgs, err = splitArgs("rootcanal_args", rec.Str("rootcanal_args", 0)); err != nil {
		return err
	}
	k := servicePortOffset(rec.Int("rootcanal_instance_num", 0), first)
	doc.RootcanalHciPort = 7300 + k
	doc.RootcanalLinkPort = 7400 + k
	doc.RootcanalTestPort = 7500 + k
	doc.RootcanalLinkBlePort = 7600 + k

	doc.EnableHostNfc = rec.Bool("enable_host_nfc", 0)
	doc.EnableHostNfcCon = doc.EnableHostNfc
	if doc.CasimirArgs, err = splitArgs("casimir_args", rec.Str("casimir_args", 0)); err != nil {
		return err
	}
	k = servicePortOffset(rec.Int("casimir_instance_num", 0), first)
	doc.CasimirNciPort = 7800 + k
	doc.CasimirRfPort = 7900 + k

	doc.EnableHostUwb = rec.Bool("enable_host_uwb", 0) || uwbNetsim
	doc.EnableHostUwbCon = rec.Bool("enable_host_uwb", 0) && !uwbNetsim
	doc.PicaUciPort = 7000 + servicePortOffset(rec.Int("pica_instance_num", 0), first)
	doc.VhalProxyServerPort = 9300 + servicePortOffset(rec.Int("vhal_proxy_server_instance_num", 0), first)

	if !rec.Bool("use_overlay", 0) && len(in.InstanceNums) > 1 {
		return cvd.Errorf(cvd.InvalidOptions, "--use_overlay=false is incompatible with multiple instances")
	}
	return nil
}

// servicePortOffset is the port offset of a shared host service: the
// requested instance of an existing service, else the first instance.
func servicePortOffset(flagValue, firstInstance int) int {
	if flagValue > 0 {
		return flagValue - 1
	}
	return firstInstance - 1
}

func newEnvironment(doc *Document, in Inputs) (*Environment, error) {
	rec := in.Options
	name := fmt.Sprintf("env-%d", in.InstanceNums[0])
	e := &Environment{
		Name:              name,
		EnvironmentDir:    filepath.Join(doc.EnvironmentsDir, name),
		EnvironmentUdsDir: filepath.Join(doc.EnvironmentsUdsDir, name),
		GroupUUID:         uuid.NewString(),
		EnableWifi:        rec.Bool("enable_wifi", 0),
		WmediumdConfig:    rec.Str("wmediumd_config", 0),
	}
	e.LogsDir = filepath.Join(e.EnvironmentDir, "logs")
	e.GrpcSocketDir = filepath.Join(e.EnvironmentUdsDir, "grpc_socket")
	e.VhostUserMac80211Hwsim = rec.Str("vhost_user_mac80211_hwsim", 0)
	e.StartWmediumd = doc.VirtioMac80211Hwsim && e.VhostUserMac80211Hwsim == "" && e.EnableWifi
	if e.StartWmediumd {
		e.VhostUserMac80211Hwsim = e.PerEnvironmentUdsPath("vhost_user_mac80211")
		e.WmediumdAPIServerSocket = e.PerEnvironmentUdsPath("wmediumd_api_server")
		e.WmediumdMacPrefix = 5554 + in.InstanceNums[0] - 1
	}
	return e, nil
}

func buildInstance(doc *Document, envSpec *Environment, in Inputs, i, num int) (*Instance, error) {
	env, rec, gc := in.Env, in.Options, in.Guests[i]
	first := i == 0
	name := fmt.Sprintf("cvd-%d", num)
	inst := &Instance{
		ID:              num,
		Name:            name,
		EnvironmentName: envSpec.Name,
		InstanceDir:     filepath.Join(doc.InstancesDir, name),
		InstanceUdsDir:  filepath.Join(doc.InstancesUdsDir, name),
		BootFlow:        BootFlowAndroid,
	}
	inst.InstanceInternalDir = filepath.Join(inst.InstanceDir, "internal")
	inst.LogsDir = filepath.Join(inst.InstanceDir, "logs")
	inst.InstanceInternalUdsDir = filepath.Join(inst.InstanceUdsDir, "internal")
	inst.GrpcSocketPath = filepath.Join(inst.InstanceUdsDir, "grpc_socket")

	useAllocd := rec.Bool("use_allocd", i)
	var allocator InterfaceAllocator = DeterministicInterfaces{}
	if useAllocd {
		allocator = in.Allocd
		if allocator == nil {
			allocator = AllocdClient{UID: env.UID}
		}
	}
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ifaces, err := allocator.Allocate(ctx, num)
	if err != nil {
		return nil, err
	}
	inst.UseAllocd = useAllocd
	inst.SessionID = ifaces.SessionID

	// guest derived
	inst.TargetArch = gc.TargetArch
	inst.DeviceType = string(gc.DeviceType)
	inst.GuestAndroidVersion = gc.AndroidVersionNumber
	inst.BootconfigSupported = gc.BootconfigSupported
	inst.FilenameEncryptionMode = "cts"
	if gc.Hctr2Supported {
		inst.FilenameEncryptionMode = "hctr2"
	}
	inst.EnableMouse = gc.MouseSupported
	inst.EnableGamepad = gc.GamepadSupported
	inst.CustomKeyboardConfig = gc.CustomKeyboardConfig
	inst.DomkeyMappingConfig = gc.DomkeyMappingConfig
	inst.AudioOutputStreamsCount = gc.OutputAudioStreamsCount
	inst.GuestUsesBgraFramebuffer = gc.SupportsBgraFramebuffers
	if gc.Ti50Emulator != "" {
		inst.Ti50Emulator = env.HostArtifact(gc.Ti50Emulator)
		if filepath.IsAbs(gc.Ti50Emulator) {
			inst.Ti50Emulator = gc.Ti50Emulator
		}
		if _, err := os.Stat(inst.Ti50Emulator); err != nil {
			return nil, cvd.Wrap(cvd.InvalidOptions, err, "ti50 emulator %s", inst.Ti50Emulator)
		}
	}

	// plain options
	inst.CrosvmUseBalloon = rec.Bool("crosvm_use_balloon", i)
	inst.CrosvmUseRng = rec.Bool("crosvm_use_rng", i)
	inst.EnableAudio = rec.Bool("enable_audio", i)
	inst.EnableUsb = rec.Bool("enable_usb", i)
	inst.EnableGnssGrpcProxy = rec.Bool("start_gnss_proxy", i)
	inst.RecordScreen = rec.Bool("record_screen", i)
	inst.CrosvmBinary = doc.CrosvmBinary
	inst.QemuBinaryDir = rec.Str("qemu_binary_dir", i)
	inst.Gem5BinaryDir = rec.Str("gem5_binary_dir", i)
	inst.Gem5CheckpointDir = rec.Str("gem5_checkpoint_dir", i)
	inst.EnableJcardSimulator = rec.Bool("enable_jcard_simulator", i)
	inst.Console = rec.Bool("console", i)
	inst.Kgdb = inst.Console && rec.Bool("kgdb", i)
	inst.GdbPort = rec.Int("gdb_port", i)
	inst.SetupwizardMode = rec.Str("setupwizard_mode", i)
	inst.UserdataFormat = rec.Str("userdata_format", i)
	inst.GuestEnforceSecurity = rec.Bool("guest_enforce_security", i)
	inst.PauseInBootloader = rec.Bool("pause_in_bootloader", i)
	inst.RunAsDaemon = rec.Bool("daemon", i)
	inst.DataPolicy = rec.Str("data_policy", i)
	inst.CameraServerPort = rec.Int("camera_server_port", i)
	inst.GnssFilePath = rec.Str("gnss_file_path", i)
	inst.FixedLocationFilePath = rec.Str("fixed_location_file_path", i)
	inst.VsockGuestGroup = rec.Str("vsock_guest_group", i)
	inst.EnableTapDevices = rec.Bool("enable_tap_devices", i)
	if inst.ExtraBootconfigArgs, err = splitArgs("extra_bootconfig_args", rec.Str("extra_bootconfig_args", i)); err != nil {
		return nil, err
	}

	inst.BlankDataImageMb = rec.Int("blank_data_image_mb", i)
	if inst.BlankDataImageMb <= 0 {
		inst.BlankDataImageMb = gc.BlankDataImageMb
	}
	if inst.BlankDataImageMb <= 0 {
		inst.BlankDataImageMb = defaultBlankDataImageMb
	}

	vsock := rec.Str("vhost_user_vsock", i)
	switch vsock {
	case "auto":
		inst.VhostUserVsock = gc.VhostUserVsock || (doc.VmManager == VmmCrosvm && gc.TargetArch == guest.ArchArm64)
	case "true":
		if doc.VmManager != VmmCrosvm {
			return nil, cvd.Errorf(cvd.DependencyViolation, "For now, only crosvm supports vhost_user_vsock")
		}
		inst.VhostUserVsock = true
	}

	inst.VhostUserBlock = rec.Bool("vhost_user_block", i)
	if inst.VhostUserBlock && doc.VmManager != VmmCrosvm {
		return nil, cvd.Errorf(cvd.DependencyViolation, "vhost-user block only supported on crosvm")
	}

	// identity
	if rec.Bool("use_random_serial", i) {
		suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
		inst.SerialNumber = fmt.Sprintf("CFCVD%d%s", num, suffix)
	} else {
		inst.SerialNumber = rec.Str("serial_number", i) + strconv.Itoa(num)
	}
	id, err := uuid.Parse(rec.Str("uuid", i))
	if err != nil {
		return nil, cvd.Wrap(cvd.InvalidOptions, err, "--uuid")
	}
	inst.UUID = id.String()

	inst.VsockGuestCid = rec.Int("vsock_guest_cid", i) + num - in.InstanceNums[0]
	if inst.VsockGuestCid < 3 {
		return nil, cvd.Errorf(cvd.InvalidOptions, "--vsock_guest_cid: cid %d is below 3", inst.VsockGuestCid)
	}
	vsockPort := func(base int) int { return base + inst.VsockGuestCid - 3 }
	inst.VsockTmpDir = filepath.Join(env.TempDir, fmt.Sprintf("vsock_%d_%d", inst.VsockGuestCid, env.UID))

	// shape
	inst.Cpus = rec.Int(flags.Cpus, i)
	inst.Smt = rec.Bool("smt", i)
	if inst.Smt && inst.Cpus%2 != 0 {
		return nil, cvd.Errorf(cvd.DependencyViolation, "CPUs must be a multiple of 2 in SMT mode")
	}
	inst.MemoryMb = rec.Int("memory_mb", i)
	inst.DdrMemMb = inst.MemoryMb * 6 / 5

	// gpu and display
	if err := configureGpu(env, doc, inst, rec, i, gc); err != nil {
		return nil, err
	}
	inst.FramesSocketPath = inst.PerInstanceInternalUdsPath("frames.sock")
	if inst.DisplayConfigs, err = displayConfigs(env, in, i); err != nil {
		return nil, err
	}
	inst.TouchpadConfigs = []TouchpadConfig{}
	if tp, ok := FindFragment[*TouchpadsFragment](in.Fragments); ok {
		if inst.TouchpadConfigs, err = tp.Configs(); err != nil {
			return nil, err
		}
	}

	// modem
	inst.EnableModemSimulator = rec.Bool("enable_modem_simulator", i)
	inst.ModemSimulatorCount = rec.Int("modem_simulator_count", i)
	inst.ModemSimulatorSimType = rec.Int("modem_simulator_sim_type", i)
	inst.ModemSimulatorHostID = 1000 + num
	ports := make([]string, 0, max(inst.ModemSimulatorCount, 0))
	for j := 0; j < inst.ModemSimulatorCount; j++ {
		ports = append(ports, strconv.Itoa(vsockPort(9600+inst.ModemSimulatorCount*(num-1)+j)))
	}
	inst.ModemSimulatorPorts = strings.Join(ports, ",")

	// network
	inst.MobileBridgeName = fmt.Sprintf("cvd-mbr-%02d", num)
	inst.WifiBridgeName = "cvd-wbr"
	inst.EthernetBridgeName = "cvd-ebr"
	inst.MobileTapName = ifaces.MobileTap
	inst.EthernetTapName = ifaces.EthernetTap
	if interfaceExists(ifaces.NonBridgedWireless) && doc.VirtioMac80211Hwsim {
		inst.UseBridgedWifiTap = false
		inst.WifiTapName = ifaces.NonBridgedWireless
	} else {
		inst.UseBridgedWifiTap = true
		inst.WifiTapName = ifaces.WirelessTap
	}
	ril := RilAddressFor(num)
	inst.RilDNS = rec.Str("ril_dns", i)
	inst.RilIPAddr, inst.RilGateway, inst.RilBroadcast, inst.RilPrefixLen = ril.IPAddr, ril.Gateway, ril.Broadcast, ril.PrefixLen
	ethMac := EthernetMac(num - 1)
	inst.EthernetMac = MacString(ethMac)
	inst.MobileMac = MacString(MobileMac(num - 1))
	inst.WifiMac = MacString(WifiMac(num - 1))
	inst.EthernetIPv6 = LinkLocalIPv6(ethMac)
	inst.ExternalNetworkMode = rec.Str("external_network_mode", i)
	if inst.ExternalNetworkMode == "slirp" && doc.VmManager != VmmQemu {
		return nil, cvd.Errorf(cvd.DependencyViolation, "slirp only works on QEMU")
	}

	// ports
	inst.QemuVncServerPort = 544 + num - 1
	inst.AdbHostPort = 6520 + num - 1
	inst.AdbIPAndPort = "0.0.0.0:" + strconv.Itoa(inst.AdbHostPort)
	inst.FastbootHostPort = inst.AdbHostPort
	inst.TombstoneReceiverPort = vsockPort(6600)
	inst.AudiocontrolServerPort = audioControlPort
	inst.LightsServerPort = vsockPort(6900)
	inst.GnssGrpcProxyServerPort = 7200 + num - 1
	inst.WifiMacPrefix = 5554 + num - 1
	inst.WebrtcSigServerPort = 8443 + num - 1
	if inst.WebrtcDeviceID, err = webrtcDeviceID(rec, i, inst.Name, num); err != nil {
		return nil, err
	}

	// host services run once, alongside the first instance
	netsim := rec.Bool("netsim", 0)
	btNetsim := netsim || rec.Bool("netsim_bt", 0)
	uwbNetsim := netsim || rec.Bool("netsim_uwb", 0)
	inst.StartNetsim = first && (netsim || btNetsim || uwbNetsim)
	inst.StartRootcanal = first && !btNetsim && rec.Int("rootcanal_instance_num", 0) <= 0
	inst.StartCasimir = first && rec.Int("casimir_instance_num", 0) <= 0
	inst.StartPica = first && !uwbNetsim && rec.Int("pica_instance_num", 0) <= 0
	inst.StartVhalProxyServer = first && rec.Bool("enable_vhal_proxy_server", 0) && rec.Int("vhal_proxy_server_instance_num", 0) <= 0
	inst.StartWebrtcSigServer = first && rec.Bool("start_webrtc_sig_server", 0)
	inst.StartWmediumd = first && envSpec.StartWmediumd
	inst.ApBootFlow = ApBootFlowNone
	if doc.ApRootfsImage != "" && doc.ApKernelImage != "" && inst.StartWmediumd {
		inst.ApBootFlow = ApBootFlowLegacyDirect
	}

	if mcu := rec.Str("mcu_config_path", i); mcu != "" {
		data, err := os.ReadFile(mcu)
		if err != nil {
			return nil, cvd.Wrap(cvd.InvalidOptions, err, "--mcu_config_path")
		}
		if !json.Valid(data) {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--mcu_config_path: %s is not valid JSON", mcu)
		}
		inst.Mcu = json.RawMessage(data)
	}

	// disks
	inst.UseSdcard = rec.Bool("use_sdcard", i)
	inst.VirtualDiskPaths = virtualDiskPaths(doc, inst, rec.Bool("use_overlay", 0))
	return inst, nil
}

func virtualDiskPaths(doc *Document, inst *Instance, useOverlay bool) []string {
	var paths []string
	gem5 := doc.VmManager == VmmGem5
	if useOverlay && !gem5 {
		paths = append(paths, inst.PerInstancePath("overlay.img"))
	} else {
		paths = append(paths, inst.PerInstancePath("os_composite.img"))
	}
	if !gem5 {
		if doc.VmManager == VmmQemu {
			paths = append(paths, inst.PerInstancePath("persistent_composite_overlay.img"))
		} else {
			paths = append(paths, inst.PerInstancePath("persistent_composite.img"))
		}
	}
	if inst.UseSdcard {
		if doc.VmManager == VmmQemu {
			paths = append(paths, inst.PerInstancePath("sdcard_overlay.img"))
		} else {
			paths = append(paths, inst.PerInstancePath("sdcard.img"))
		}
	}
	return paths
}

var gfxstreamModes = []string{
	"gfxstream", "gfxstream_guest_angle",
	"gfxstream_guest_angle_host_swiftshader", "gfxstream_guest_angle_host_lavapipe",
}

func configureGpu(env cvd.Env, doc *Document, inst *Instance, rec *flags.Record, i int, gc guest.GuestConfig) error {
	mode := rec.Str(flags.GpuMode, i)
	if mode == "auto" {
		// No host graphics probe runs during assembly.
		mode = "guest_swiftshader"
	}
	if doc.VmManager == VmmGem5 && mode != "guest_swiftshader" {
		return cvd.Errorf(cvd.DependencyViolation, "gem5 only supports --gpu_mode=guest_swiftshader")
	}
	if slices.Contains(gfxstreamModes, mode) && !gc.GfxstreamSupported {
		cvd.LogWarn(env, "guest does not advertise gfxstream support", "gpu_mode", mode, "instance", inst.ID)
	}
	inst.GpuMode = mode

	inst.GpuCaptureBinary = rec.Str("gpu_capture_binary", i)
	inst.RestartSubprocesses = rec.Bool("restart_subprocesses", i)
	if inst.GpuCaptureBinary != "" {
		if mode != "gfxstream" && mode != "gfxstream_guest_angle" {
			return cvd.Errorf(cvd.DependencyViolation, "GPU capture only supported with --gpu_mode=gfxstream")
		}
		if inst.RestartSubprocesses {
			return cvd.Errorf(cvd.DependencyViolation, "GPU capture only supported with --norestart_subprocesses")
		}
	}

	hwc := rec.Str("hwcomposer", i)
	if hwc == "ranchu" && mode == "drm_virgl" {
		return cvd.Errorf(cvd.DependencyViolation, "ranchu hwcomposer not supported with --gpu_mode=drm_virgl")
	}
	if hwc == "auto" {
		switch mode {
		case "drm_virgl":
			hwc = "drm"
		case "none":
			hwc = "none"
		default:
			hwc = "ranchu"
		}
	}
	inst.Hwcomposer = hwc
	inst.EnableGpuUdmabuf = rec.Bool("enable_gpu_udmabuf", i)
	inst.GpuContextTypes = rec.Str("gpu_context_types", i)
	inst.GuestVulkanDriver = rec.Str("guest_vulkan_driver", i)
	inst.GuestHwuiRenderer = rec.Str("guest_hwui_renderer", i)
	inst.GuestRendererPreload = rec.Str("guest_renderer_preload", i)
	return nil
}

// displayConfigs picks, in order: the displays_json entry for the instance,
// the --display<N> flags, then the legacy --x_res/--y_res pair.
func displayConfigs(env cvd.Env, in Inputs, i int) ([]DisplayConfig, error) {
	rec := in.Options
	var out []DisplayConfig
	if raw := strings.TrimSpace(rec.Str("displays_json", 0)); raw != "" {
		var perInstance [][]DisplayConfig
		if err := json.Unmarshal([]byte(raw), &perInstance); err != nil {
			return nil, cvd.Wrap(cvd.InvalidOptions, err, "--displays_json")
		}
		if len(perInstance) > 0 {
			out = perInstance[0]
			if i < len(perInstance) {
				out = perInstance[i]
			}
		}
		for j := range out {
			if out[j].Width <= 0 || out[j].Height <= 0 {
				return nil, cvd.Errorf(cvd.InvalidOptions, "--displays_json: display %d needs width and height", j)
			}
			if out[j].Dpi == 0 {
				out[j].Dpi = rec.Int("dpi", i)
			}
			if out[j].RefreshRateHz == 0 {
				out[j].RefreshRateHz = rec.Int("refresh_rate_hz", i)
			}
		}
	}
	if len(out) == 0 {
		if frag, ok := FindFragment[*DisplaysFragment](in.Fragments); ok {
			cfgs, err := frag.Configs()
			if err != nil {
				return nil, err
			}
			out = slices.Clone(cfgs)
		}
	}
	x, y := rec.Int("x_res", i), rec.Int("y_res", i)
	switch {
	case len(out) == 0 && x > 0 && y > 0:
		out = append(out, DisplayConfig{
			Width:         x,
			Height:        y,
			Dpi:           rec.Int("dpi", i),
			RefreshRateHz: rec.Int("refresh_rate_hz", i),
		})
	case len(out) > 0 && (rec.IsSet("x_res") || rec.IsSet("y_res")):
		cvd.LogWarn(env, "Ignoring --x_res and --y_res when --display specified.")
	}
	if out == nil {
		out = []DisplayConfig{}
	}
	return out, nil
}

func webrtcDeviceID(rec *flags.Record, i int, instanceName string, num int) (string, error) {
	id := rec.Str("webrtc_device_id", i)
	if id == "" {
		return instanceName, nil
	}
	if rec.N() > 1 && !strings.Contains(id, "{num}") && slices.Equal(rec.Strs("webrtc_device_id"), slices.Repeat([]string{id}, rec.N())) {
		return "", cvd.Errorf(cvd.InvalidOptions, "If one webrtc_device_id is given for multiple instances, {num} should be included in webrtc_device_id.")
	}
	return strings.ReplaceAll(id, "{num}", strconv.Itoa(num)), nil
}

func checkUniqueCids(doc *Document) error {
	seen := map[int]int{}
	for _, inst := range doc.OrderedInstances() {
		if other, dup := seen[inst.VsockGuestCid]; dup {
			return cvd.Errorf(cvd.InvalidOptions, "instances %d and %d share vsock guest cid %d", other, inst.ID, inst.VsockGuestCid)
		}
		seen[inst.VsockGuestCid] = inst.ID
	}
	return nil
}

func splitArgs(option, s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return []string{}, nil
	}
	args, err := shlex.Split(s, true)
	if err != nil {
		return nil, cvd.Wrap(cvd.InvalidOptions, err, "--%s", option)
	}
	return args, nil
}

// hostToolsCrc fingerprints every host binary so the launcher can detect
// that the host package changed under a running device.
func hostToolsCrc(env cvd.Env) map[string]uint32 {
	out := map[string]uint32{}
	dir := env.HostArtifact("bin")
	entries, err := os.ReadDir(dir)
	if err != nil {
		cvd.LogWarn(env, "cannot list host tools", "dir", dir, "error", err.Error())
		return out
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = crc32.ChecksumIEEE(data)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
