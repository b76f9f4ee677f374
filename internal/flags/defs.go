// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package flags owns the assembler's option surface: the option table, gflags
// compatible parsing on a pflag.FlagSet, and vectorization into an immutable
// per-instance Record.
package flags

import (
	"path/filepath"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

type Kind int

const (
	Bool Kind = iota
	Int
	String
	Enum
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int:
		return "int32"
	case Enum:
		return "enum"
	}
	return "string"
}

// Def declares one option. Default is a CSV list for per-instance options.
// Global options are never split on commas.
type Def struct {
	Name    string
	Kind    Kind
	Default string
	Values  []string
	Usage   string
	Global  bool
}

func boolOpt(name, def, usage string) Def {
	return Def{Name: name, Kind: Bool, Default: def, Usage: usage}
}
func intOpt(name, def, usage string) Def {
	return Def{Name: name, Kind: Int, Default: def, Usage: usage}
}
func strOpt(name, def, usage string) Def {
	return Def{Name: name, Kind: String, Default: def, Usage: usage}
}
func enumOpt(name, def string, values []string, usage string) Def {
	return Def{Name: name, Kind: Enum, Default: def, Values: values, Usage: usage}
}

func global(d Def) Def {
	d.Global = true
	return d
}

// Option names shared with the rest of the module.
const (
	NumInstances    = "num_instances"
	InstanceNumsOpt = "instance_nums"
	BaseInstanceNum = "base_instance_num"
	InstanceDir     = "instance_dir"
	AssemblyDir     = "assembly_dir"
	VMManager       = "vm_manager"
	Resume          = "resume"
	SnapshotPath    = "snapshot_path"
	SystemImageDir  = "system_image_dir"
	KernelPath      = "kernel_path"
	InitramfsPath   = "initramfs_path"
	GpuMode         = "gpu_mode"
	EnableSandbox   = "enable_sandbox"
	EnableVirtiofs  = "enable_virtiofs"
	Cpus            = "cpus"
	Verbosity       = "verbosity"
	FileVerbosity   = "file_verbosity"
)

var GpuModes = []string{
	"auto", "drm_virgl", "gfxstream", "gfxstream_guest_angle",
	"gfxstream_guest_angle_host_swiftshader", "gfxstream_guest_angle_host_lavapipe",
	"guest_swiftshader", "custom", "none",
}

// ImageOptions are the per-instance image paths whose defaults derive from
// --system_image_dir.
var ImageOptions = map[string]string{
	"boot_image":               "boot.img",
	"init_boot_image":          "init_boot.img",
	"super_image":              "super.img",
	"vendor_boot_image":        "vendor_boot.img",
	"vbmeta_image":             "vbmeta.img",
	"vbmeta_system_image":      "vbmeta_system.img",
	"vbmeta_vendor_dlkm_image": "vbmeta_vendor_dlkm.img",
	"vbmeta_system_dlkm_image": "vbmeta_system_dlkm.img",
	"misc_image":               "misc.img",
	"metadata_image":           "metadata.img",
	"misc_info_txt":            "misc_info.txt",
	"data_image":               "userdata.img",
}

// Definitions returns the option table. Defaults that depend on the host
// (home directory, product out) are resolved from env.
func Definitions(env cvd.Env) []Def {
	return []Def{
		// instance selection
		global(intOpt(NumInstances, "1", "Number of Android guests to launch")),
		global(strOpt(InstanceNumsOpt, "", "A comma-separated list of instance numbers to use")),
		global(intOpt(BaseInstanceNum, "0", "The instance number of the device created. Defaults to CUTTLEFISH_INSTANCE or 1")),
		global(strOpt(InstanceDir, filepath.Join(env.Home, "cuttlefish"), "This is a directory that will hold the cuttlefish generated files, including both instance-specific and common files")),
		global(strOpt(AssemblyDir, filepath.Join(env.Home, "cuttlefish_assembly"), "A directory to put generated files common between instances")),

		// lifecycle
		global(boolOpt(Resume, "true", "Resume using the disk from the last session, if possible")),
		global(strOpt(SnapshotPath, "", "Path to snapshot. Must not be empty if the device is to be restored from a snapshot")),
		global(boolOpt("snapshot_compatible", "false", "Enable support for taking snapshots")),
		global(boolOpt("use_overlay", "true", "Capture disk writes an overlay. This is a prerequisite for powerwash_cvd or multiple instances")),
		global(boolOpt("track_host_tools_crc", "false", "Track changes to host executables")),
		global(strOpt(Verbosity, "INFO", "Console logging verbosity")),
		global(strOpt(FileVerbosity, "DEBUG", "Log file verbosity")),

		// vmm
		global(enumOpt(VMManager, "crosvm", []string{"crosvm", "qemu", "qemu_cli", "gem5"}, "What virtual machine manager to use")),
		global(strOpt("crosvm_binary", env.HostBinary("crosvm"), "The crosvm binary to use")),
		global(strOpt("qemu_binary_dir", "/usr/bin", "Path to the directory containing the qemu binary to use")),
		global(strOpt("gem5_binary_dir", env.HostArtifact("gem5"), "Path to the gem5 build tree root")),
		global(strOpt("gem5_checkpoint_dir", "", "Path to the gem5 restore checkpoint directory")),
		global(strOpt("gem5_debug_flags", "", "Debug flags gem5 will use")),
		global(strOpt("kvm_path", "/dev/kvm", "Device node file used to create VMs")),
		global(strOpt("vhost_vsock_path", "/dev/vhost-vsock", "Device node file for the vhost-vsock backend")),
		global(strOpt("straced_host_executables", "", "Comma-separated list of executable names to run under strace")),
		global(strOpt("mcu_config_path", "", "Configuration file for the MCU emulator")),

		// kernel and security
		global(strOpt("secure_hals", "", "Which HALs to use enable host security features for")),
		global(strOpt("extra_kernel_cmdline", "", "Additional flags to put on the kernel command line")),
		global(strOpt("extra_bootconfig_args", "", "Space-separated list of extra bootconfig args")),
		global(boolOpt("enable_jcard_simulator", "false", "Whether to run the jcard simulator")),

		// host services
		global(boolOpt("netsim", "false", "Connect all radios to netsim")),
		global(boolOpt("netsim_bt", "true", "Connect Bluetooth radio to netsim")),
		global(boolOpt("netsim_uwb", "false", "Connect UWB radio to netsim")),
		global(strOpt("netsim_args", "", "Space-separated list of netsim args")),
		global(intOpt("rootcanal_instance_num", "0", "If it is greater than 0, use an existing rootcanal instance")),
		global(intOpt("casimir_instance_num", "0", "If it is greater than 0, use an existing casimir instance")),
		global(intOpt("pica_instance_num", "0", "If it is greater than 0, use an existing pica instance")),
		global(intOpt("vhal_proxy_server_instance_num", "0", "If it is greater than 0, use an existing vhal proxy server instance")),
		global(strOpt("rootcanal_args", "", "Space-separated list of rootcanal args")),
		global(strOpt("casimir_args", "", "Space-separated list of casimir args")),
		global(boolOpt("enable_host_bluetooth", "true", "Enable the rootcanal which is Bluetooth emulator in the host")),
		global(boolOpt("enable_host_nfc", "true", "Enable the casimir which is NFC emulator in the host")),
		global(boolOpt("enable_host_uwb", "false", "Enable the pica which is UWB emulator in the host")),
		global(strOpt("webrtc_sig_server_addr", "0.0.0.0", "The address of the webrtc signaling server")),
		global(boolOpt("enable_metrics", "false", "Enable the metrics reporter")),
		global(boolOpt("start_webrtc_sig_server", "true", "Whether to start the webrtc signaling server")),
		global(boolOpt("enable_vhal_proxy_server", "false", "Whether to start the VHAL proxy server")),

		// network and environment
		global(boolOpt("use_allocd", "false", "Acquire static resources from the resource allocator daemon")),
		global(boolOpt("enable_wifi", "true", "Enables the guest WIFI")),
		global(boolOpt("virtio_mac80211_hwsim", "true", "Use virtio mac80211_hwsim for the guest wifi")),
		global(strOpt("vhost_user_mac80211_hwsim", "", "Unix socket path for vhost-user of mac80211_hwsim")),
		global(strOpt("wmediumd_config", "", "Path of wmediumd config file")),
		global(strOpt("ap_rootfs_image", "", "rootfs image for AP instance")),
		global(strOpt("ap_kernel_image", "", "kernel image for AP instance")),

		// per-instance shape
		intOpt(Cpus, "2", "Virtual CPU count"),
		intOpt("memory_mb", "2048", "Total amount of memory available for guest, MB"),
		boolOpt("smt", "false", "Enable simultaneous multithreading (SMT/HT)"),
		intOpt("x_res", "720", "Width of the screen in pixels"),
		intOpt("y_res", "1280", "Height of the screen in pixels"),
		intOpt("dpi", "320", "Pixels per inch for the screen"),
		intOpt("refresh_rate_hz", "60", "Screen refresh rate in Hertz"),
		enumOpt(GpuMode, "auto", GpuModes, "What gpu configuration to use"),
		enumOpt("hwcomposer", "auto", []string{"auto", "drm", "ranchu", "none"}, "What hardware composer to use"),
		strOpt("gpu_capture_binary", "", "Path to the GPU capture binary to use when capturing GPU traces"),
		boolOpt("restart_subprocesses", "true", "Restart any crashed host process"),
		boolOpt("enable_gpu_udmabuf", "false", "Use the udmabuf driver for zero-copy virtio-gpu"),
		strOpt("gpu_context_types", "", "Colon-separated list of GPU context types to enable"),
		strOpt("guest_vulkan_driver", "", "Vulkan driver to use with Cuttlefish guest"),
		enumOpt("guest_hwui_renderer", "", []string{"", "skiagl", "skiavk"}, "The HWUI renderer to use"),
		enumOpt("guest_renderer_preload", "auto", []string{"auto", "enabled", "disabled"}, "Whether to preload the guest renderer"),
		boolOpt("record_screen", "false", "Enable screen recording"),
		global(strOpt("displays_json", "", "JSON array with one list of display objects per instance. Overrides --display<N> and --x_res/--y_res")),

		// per-instance vmm knobs
		boolOpt(EnableSandbox, "false", "Enable crosvm sandbox assuming /var/empty and seccomp directories exist"),
		boolOpt(EnableVirtiofs, "false", "Enable shared folder using virtiofs"),
		boolOpt("enable_usb", "false", "Whether to enable USB passthrough"),
		enumOpt("vhost_user_vsock", "auto", []string{"auto", "true", "false"}, "Whether to use vhost-user vsock"),
		boolOpt("vhost_user_block", "false", "Run the block device emulation in a vhost-user process"),
		boolOpt("crosvm_use_balloon", "true", "Controls the crosvm --no-balloon flag"),
		boolOpt("crosvm_use_rng", "true", "Controls the crosvm --no-rng flag"),
		intOpt("vsock_guest_cid", "3", "vsock guest cid; the actual cid is offset by the instance number"),
		strOpt("vsock_guest_group", "", "A string label for the vsock group"),

		// per-instance identity and boot
		strOpt("serial_number", "CUTTLEFISHCVD0", "Serial number prefix; the instance number is appended"),
		boolOpt("use_random_serial", "false", "Whether to use random serial for the device"),
		strOpt("uuid", "699acfc4-c8c4-11e7-882b-5065f31dc101", "UUID to use for the device. Random if not specified"),
		enumOpt("setupwizard_mode", "DISABLED", []string{"DISABLED", "OPTIONAL", "REQUIRED"}, "One of DISABLED, OPTIONAL, REQUIRED"),
		boolOpt("console", "false", "Enable the serial console"),
		boolOpt("kgdb", "false", "Configure the virtual device for debugging the kernel with kgdb"),
		intOpt("gdb_port", "0", "Port number to spawn kernel gdb on"),
		boolOpt("pause_in_bootloader", "false", "Stop the bootflow in u-boot"),
		boolOpt("guest_enforce_security", "true", "Whether to run in enforcing mode"),
		boolOpt("daemon", "false", "Run cuttlefish in background"),
		strOpt("webrtc_device_id", "", "The device id the webrtc process uses to register with the signaling server"),
		intOpt("camera_server_port", "0", "camera vsock port"),

		// per-instance images
		strOpt(SystemImageDir, env.ProductOut, "Location of the system partition images"),
		strOpt("boot_image", "", "Location of cuttlefish boot image"),
		strOpt("init_boot_image", "", "Location of cuttlefish init boot image"),
		strOpt("vendor_boot_image", "", "Location of cuttlefish vendor boot image"),
		strOpt("super_image", "", "Location of the super partition image"),
		strOpt("vbmeta_image", "", "Location of cuttlefish vbmeta image"),
		strOpt("vbmeta_system_image", "", "Location of cuttlefish vbmeta_system image"),
		strOpt("vbmeta_vendor_dlkm_image", "", "Location of cuttlefish vbmeta_vendor_dlkm image"),
		strOpt("vbmeta_system_dlkm_image", "", "Location of cuttlefish vbmeta_system_dlkm image"),
		strOpt("misc_image", "", "Location of the misc partition image. If the image does not exist, a blank new misc partition image is created"),
		strOpt("metadata_image", "", "Location of the metadata partition image to be generated"),
		strOpt("misc_info_txt", "", "Location of the misc_info.txt file"),
		strOpt("data_image", "", "Location of the data partition image"),
		intOpt("blank_metadata_image_mb", "64", "The size of the blank metadata image to generate, MB"),
		strOpt(KernelPath, "", "Path to the kernel. Overrides the one from the boot image"),
		strOpt(InitramfsPath, "", "Path to the initramfs"),
		strOpt("bootloader", "", "Bootloader binary path"),
		strOpt("default_target_zip", "", "Location of default target zip file"),
		strOpt("system_target_zip", "", "Location of system target zip file"),
		strOpt("vvmtruststore_path", "", "Location of the vvmtruststore image"),
		strOpt("android_efi_loader", "", "Location of android EFI loader for android efi load flow"),
		enumOpt("data_policy", "use_existing", []string{"use_existing", "create_if_missing", "always_create", "resize_up_to"}, "How to handle userdata partition"),
		intOpt("blank_data_image_mb", "0", "The size of the blank data image to generate, MB"),
		intOpt("blank_sdcard_image_mb", "2048", "If enabled, the size of the blank sdcard image to generate, MB"),
		boolOpt("use_sdcard", "true", "Create blank SD-Card image and expose to guest"),
		enumOpt("userdata_format", "f2fs", []string{"ext4", "f2fs"}, "The userdata filesystem format"),

		// per-instance network
		enumOpt("external_network_mode", "tap", []string{"tap", "slirp"}, "The mechanism to connect to the public internet"),
		strOpt("ril_dns", "8.8.8.8", "DNS address of mobile network (RIL)"),
		boolOpt("enable_tap_devices", "true", "TAP devices are used on linux for connecting to the network outside the current machine"),

		// per-instance host services
		boolOpt("enable_modem_simulator", "true", "Enable the modem simulator to process RILD AT commands"),
		intOpt("modem_simulator_count", "1", "Modem simulator count corresponding to maximum sim number"),
		intOpt("modem_simulator_sim_type", "1", "Sim type: 1 for normal, 2 for CtsCarrierApiTestCases"),
		boolOpt("start_gnss_proxy", "true", "Whether to start the gnss proxy"),
		boolOpt("enable_audio", "true", "Whether to play or capture audio"),
		strOpt("gnss_file_path", "", "Local gnss raw measurement file path for the gnss proxy"),
		strOpt("fixed_location_file_path", "", "Local fixed location file path for the gnss proxy"),
	}
}

func defIndex(defs []Def) map[string]Def {
	idx := make(map[string]Def, len(defs))
	for _, d := range defs {
		idx[d.Name] = d
	}
	return idx
}
