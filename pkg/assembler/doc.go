// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package assembler provides a Go library for preparing Cuttlefish virtual
Android devices before launch.

# Overview

Assembly is the stage between fetching a build and launching it. It reads
the artifact list the fetch or build step produced, probes the guest
images, decides every runtime setting, lays out the runtime tree, builds
the guest disks and publishes a configuration document that the launcher
and the host services read.

# Quick Start

	import "github.com/forkbombeu/cvdassemble/pkg/assembler"

	func main() {
		// Create assembler
		a := assembler.New()

		// Assemble two instances from a local build
		res, err := a.Assemble(assembler.Options{
			Args: []string{"--num_instances=2", "--system_image_dir=/out/target/product/vsoc_x86_64"},
		})
		if err != nil {
			log.Fatal(err)
		}

		// The launcher reads this file
		fmt.Println(res.ConfigPath)
	}

# Key Concepts

**Runtime root**: The directory holding assembly/, instances/ and
environments/. It defaults to ~/cuttlefish and is purged at the start of
every assembly, keeping only what a resumed device needs.

**Instance**: One virtual device, numbered from --base_instance_num or
--instance_nums. Ports, serial numbers and network names derive from it.

**Configuration document**: The JSON file published into the assembly
directory. Describe() reads one back.

**Snapshot restore**: With --snapshot_path the settings come from the saved
document and the guest state is copied back into the fresh tree.

# Arguments

Options.Args accepts the full assemble_cvd flag set, including gflags
spellings such as -flag and --noflag. Per-instance flags take a comma
separated list with one value per instance, or a single value for all.
Asking for help (--help, --helpxml, ...) writes the help text and returns
ErrHelp.

# Environment Configuration

By default, the assembler auto-detects paths from environment variables:
- HOME
- ANDROID_HOST_OUT
- ANDROID_PRODUCT_OUT
- CUTTLEFISH_INSTANCE
- CUTTLEFISH_HOST_SANDBOX

Use NewWithEnv() to override with custom paths.

# Tracing

Every assembly is traced with OpenTelemetry. Spans carry the correlation ID
given to NewWithCorrelationID(); the context given to NewWithContext()
parents them.

# Thread Safety

An assembly installs its own process logger while it runs and purges the
runtime root it writes to. Do not run assemblies concurrently.

# Requirements

  - Host tools from a Cuttlefish host package under ANDROID_HOST_OUT
    (mkbootimg, avbtool, lpmake, crosvm or qemu-img, ...)
  - Guest images from a build or a fetch step
  - KVM for crosvm guests (Linux)

# License

Licensed under AGPL-3.0-only.

Copyright (C) 2025 Forkbomb B.V.
*/
package assembler
