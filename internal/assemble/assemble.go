// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package assemble runs one assembler invocation: it turns the command line
// and the artifact list of the previous stage into a runtime tree, the guest
// disks and a published configuration document.
package assemble

import (
	"errors"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/disk"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/guest"
	"github.com/forkbombeu/cvdassemble/internal/tree"
)

// ErrHelp is returned after a help variant was written. Callers exit with
// status 1 without logging it as a failure.
var ErrHelp = errors.New("help requested")

// Options carries what a run needs besides the environment.
type Options struct {
	Args []string
	// Stdin lists the artifact paths of the previous stage, one per line.
	Stdin io.Reader
	// Stdout receives help output.
	Stdout io.Writer
	// Stderr is the console side of the run's logger.
	Stderr io.Writer
	// Host overrides host detection.
	Host *flags.Host
	// Allocd overrides the resource allocator client.
	Allocd config.InterfaceAllocator
}

// Result describes a finished run.
type Result struct {
	ConfigPath string
	Document   *config.Document
}

// Assemble runs the whole pipeline. The previous package logger is restored
// before it returns.
func Assemble(env cvd.Env, opts Options) (Result, error) {
	ctx, span := cvd.StartSpan(env, "assemble.Assemble", attribute.Int("args", len(opts.Args)))
	defer span.End()
	env = env.WithContext(ctx)

	res, err := run(env, opts)
	if err != nil && !errors.Is(err, ErrHelp) {
		cvd.RecordSpanError(span, err)
	}
	return res, err
}

// invocation is a parsed command line.
type invocation struct {
	fs    *pflag.FlagSet
	defs  []flags.Def
	frags []config.Fragment
	nums  []int
	rec   *flags.Record
}

func parseArgs(env cvd.Env, args []string) (*invocation, error) {
	inv := &invocation{
		fs:    flags.NewFlagSet("assemble_cvd"),
		defs:  flags.Definitions(env),
		frags: config.Fragments(env),
	}
	flags.RegisterHelp(inv.fs)
	flags.Register(inv.fs, inv.defs)
	for _, f := range inv.frags {
		f.RegisterFlags(inv.fs)
	}
	if err := inv.fs.Parse(flags.NormalizeArgs(inv.fs, args)); err != nil {
		return nil, cvd.Wrap(cvd.InvalidOptions, err, "parse flags")
	}
	if _, _, ok := flags.RequestedHelp(inv.fs); ok {
		return inv, nil
	}

	numsIn, err := flags.InstanceNumsInputFrom(inv.fs, env)
	if err != nil {
		return nil, err
	}
	if inv.nums, err = flags.CalculateInstanceNums(numsIn); err != nil {
		return nil, err
	}
	if inv.rec, err = flags.Vectorize(inv.fs, inv.defs, len(inv.nums)); err != nil {
		return nil, err
	}
	return inv, nil
}

func run(env cvd.Env, opts Options) (Result, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	// A configuration inherited from a caller must not leak into this run.
	_ = os.Unsetenv(tree.ConfigEnvVar)

	inv, err := parseArgs(env, opts.Args)
	if err != nil {
		return Result{}, err
	}
	if mode, arg, ok := flags.RequestedHelp(inv.fs); ok {
		if err := flags.WriteHelp(opts.Stdout, inv.fs, inv.defs, mode, arg); err != nil {
			return Result{}, cvd.Wrap(cvd.IOFailed, err, "write help")
		}
		return Result{}, ErrHelp
	}

	consoleLevel, err := cvd.ParseLevel(inv.rec.Str(flags.Verbosity, 0))
	if err != nil {
		return Result{}, err
	}
	fileLevel, err := cvd.ParseLevel(inv.rec.Str(flags.FileVerbosity, 0))
	if err != nil {
		return Result{}, err
	}
	log, err := tree.OpenLog(env, inv.rec.Str(flags.InstanceDir, 0))
	if err != nil {
		return Result{}, err
	}
	defer log.Close()
	previous := cvd.Logger()
	tree.InstallLogger(opts.Stderr, consoleLevel, log, fileLevel)
	defer cvd.UseLogger(previous)

	if err := checkNoTTY(opts.Stdin); err != nil {
		return Result{}, err
	}
	inputs, err := readInputFiles(opts.Stdin)
	if err != nil {
		return Result{}, err
	}
	cvd.LogDebug(env, "artifacts from the previous stage", "count", len(inputs))

	host := flags.DetectHost()
	if opts.Host != nil {
		host = *opts.Host
	}
	a := &assembly{env: env, opts: opts, inv: inv, inputs: inputs, host: host, log: log}
	return a.run()
}

// assembly is the state threaded through the pipeline stages.
type assembly struct {
	env    cvd.Env
	opts   Options
	inv    *invocation
	inputs []string
	host   flags.Host
	log    *tree.LogFile

	rec      *flags.Record
	fetchers []guest.FetcherConfig
	guests   []guest.GuestConfig
	doc      *config.Document
	diskOpts disk.Options
}

func (a *assembly) run() (Result, error) {
	a.rec = a.inv.rec
	if err := config.VerifySnapshotRestoreFlags(a.rec); err != nil {
		return Result{}, err
	}
	if err := a.resolveImages(); err != nil {
		return Result{}, err
	}
	if err := a.probeGuests(); err != nil {
		return Result{}, err
	}
	if err := a.selectVmm(); err != nil {
		return Result{}, err
	}
	if err := a.synthesize(); err != nil {
		return Result{}, err
	}
	if err := a.prepareTree(); err != nil {
		return Result{}, err
	}
	if err := disk.Build(a.env, a.doc, a.fetchers, a.diskOpts); err != nil {
		return Result{}, err
	}
	path, err := tree.Publish(a.env, a.doc)
	if err != nil {
		return Result{}, err
	}
	cvd.LogEvent(a.env, "configuration published", "path", path, "instances", len(a.doc.Instances))
	return Result{ConfigPath: path, Document: a.doc}, nil
}

// resolveImages loads the fetcher manifests and fills in the image paths the
// user left out.
func (a *assembly) resolveImages() error {
	a.fetchers = guest.FindFetcherConfigs(a.env, a.rec.Strs(flags.SystemImageDir), a.inputs)
	rec, err := applyFetchedKernels(a.rec, a.fetchers)
	if err != nil {
		return err
	}
	if a.rec, err = flags.ApplyImageDefaults(rec); err != nil {
		return err
	}
	return nil
}

// applyFetchedKernels defaults --kernel_path and --initramfs_path to the
// artifacts of a fetched kernel build.
func applyFetchedKernels(rec *flags.Record, fetchers []guest.FetcherConfig) (*flags.Record, error) {
	if len(fetchers) == 0 {
		return rec, nil
	}
	kernels := make([]string, len(fetchers))
	initramfs := make([]string, len(fetchers))
	found := false
	for i, f := range fetchers {
		kernels[i], initramfs[i] = f.KernelArtifacts()
		found = found || kernels[i] != "" || initramfs[i] != ""
	}
	if !found {
		return rec, nil
	}
	rec, err := rec.WithDefault(flags.KernelPath, kernels...)
	if err != nil {
		return nil, err
	}
	return rec.WithDefault(flags.InitramfsPath, initramfs...)
}

// probeGuests inspects every instance's images. A snapshot restore reads
// the guest description from the saved document instead.
func (a *assembly) probeGuests() error {
	if a.rec.Str(flags.SnapshotPath, 0) != "" {
		return nil
	}
	reqs := make([]guest.Request, a.rec.N())
	for i := range reqs {
		reqs[i] = guest.Request{
			KernelPath:     a.rec.Str(flags.KernelPath, i),
			BootImage:      a.rec.Str("boot_image", i),
			InitBootImage:  a.rec.Str("init_boot_image", i),
			SystemImageDir: a.rec.Str(flags.SystemImageDir, i),
		}
	}
	guests, err := guest.ReadGuestConfigs(a.env, reqs, a.host.Arch)
	if err != nil {
		return err
	}
	a.guests = guests
	return nil
}

// selectVmm picks the VMM when the user did not and applies its defaults.
func (a *assembly) selectVmm() error {
	if len(a.guests) > 0 {
		if err := checkGuestsAgree(a.guests); err != nil {
			return err
		}
		if !a.rec.IsSet(flags.VMManager) {
			rec, err := a.rec.WithDefault(flags.VMManager, flags.DefaultVmm(a.host.Arch, a.guests[0].TargetArch))
			if err != nil {
				return err
			}
			a.rec = rec
		}
	}
	vmm, err := flags.NormalizeVmm(a.rec.Str(flags.VMManager, 0))
	if err != nil {
		return err
	}
	if vmm == config.VmmGem5 && len(a.guests) > 0 && a.guests[0].TargetArch != guest.ArchArm64 {
		return cvd.Errorf(cvd.InvalidOptions, "gem5 only supports ARM64, guest is %s", a.guests[0].TargetArch)
	}
	cvd.LogEvent(a.env, "vm manager selected", "vm_manager", vmm, "host_arch", a.host.Arch)
	a.rec, err = flags.ApplyVmmDefaults(a.env, a.rec, vmm, a.host)
	return err
}

// checkGuestsAgree requires every instance to share one architecture and
// one bootconfig mode, since they share the host tools.
func checkGuestsAgree(guests []guest.GuestConfig) error {
	first := guests[0]
	for i, g := range guests[1:] {
		if g.TargetArch != first.TargetArch {
			return cvd.Errorf(cvd.InvalidOptions, "all instances must have the same target architecture: instance %d is %s, instance 0 is %s", i+1, g.TargetArch, first.TargetArch)
		}
		if g.BootconfigSupported != first.BootconfigSupported {
			return cvd.Errorf(cvd.InvalidOptions, "all instances must agree on bootconfig support: instance %d differs", i+1)
		}
	}
	return nil
}

func (a *assembly) synthesize() error {
	doc, err := config.Synthesize(config.Inputs{
		Env:          a.env,
		Options:      a.rec,
		InstanceNums: a.inv.nums,
		Guests:       a.guests,
		Fetchers:     a.fetchers,
		Fragments:    a.inv.frags,
		Allocd:       a.opts.Allocd,
	})
	if err != nil {
		return err
	}
	if err := config.CheckSnapshotCompatible(doc, a.rec.Bool("snapshot_compatible", 0)); err != nil {
		return err
	}
	a.doc = doc
	a.diskOpts = disk.Options{
		UseOverlay: a.rec.Bool("use_overlay", 0),
		Resume:     a.rec.Bool(flags.Resume, 0),
	}
	return nil
}

// prepareTree restores a snapshot's host files, clears the previous run
// while keeping what the disk plan reuses, then lays out the new tree.
func (a *assembly) prepareTree() error {
	restoring := a.doc.SnapshotPath != ""
	if restoring {
		// The restored images must be visible to the disk plan.
		if err := tree.RestoreHostFiles(a.env, a.doc, a.doc.SnapshotPath); err != nil {
			return err
		}
	}
	plan, err := disk.Plan(a.env, a.doc, a.diskOpts)
	if err != nil {
		return err
	}
	modems := 0
	for _, inst := range a.doc.OrderedInstances() {
		modems = max(modems, inst.ModemSimulatorCount)
	}
	keep, err := tree.Preserving(a.env, tree.PreservationInput{
		CreatingOsDisk:      plan.CreatingOsDisk,
		ModemSimulatorCount: modems,
		Resume:              a.diskOpts.Resume,
		SnapshotPath:        a.doc.SnapshotPath,
		Sandbox:             a.env.Sandbox,
	})
	if err != nil {
		return err
	}
	if err := tree.Purge(a.env, purgeRoots(a.doc), keep); err != nil {
		return err
	}

	layout := tree.Layout{
		InstanceDir:          a.rec.Str(flags.InstanceDir, 0),
		InstanceDirIsDefault: !a.rec.IsSet(flags.InstanceDir),
		AssemblyDir:          a.rec.Str(flags.AssemblyDir, 0),
	}
	if err := tree.Materialize(a.env, a.doc, layout, a.log); err != nil {
		return err
	}
	if restoring {
		return tree.MarkRestored(a.env, a.doc)
	}
	return nil
}

func purgeRoots(doc *config.Document) []string {
	roots := []string{doc.AssemblyDir}
	for _, inst := range doc.OrderedInstances() {
		roots = append(roots, inst.InstanceDir)
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Environments)) {
		roots = append(roots, doc.Environments[name].EnvironmentDir)
	}
	return roots
}
