// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	ConfigEnvVar         = "CUTTLEFISH_CONFIG_FILE"
	GlobalConfigLinkName = ".cuttlefish_config.json"
)

// Publish writes doc to the assembly dir and to the first instance dir,
// exports its path in CUTTLEFISH_CONFIG_FILE and, outside the sandbox,
// points $HOME/.cuttlefish_config.json at it. It returns the canonical path.
func Publish(env cvd.Env, doc *config.Document) (string, error) {
	_, span := cvd.StartSpan(env, "tree.Publish", attribute.String("assembly_dir", doc.AssemblyDir))
	defer span.End()
	path, err := publish(env, doc)
	if err != nil {
		cvd.RecordSpanError(span, err)
		return "", err
	}
	return path, nil
}

func publish(env cvd.Env, doc *config.Document) (string, error) {
	data, err := config.Marshal(doc)
	if err != nil {
		return "", err
	}
	canonical := doc.AssemblyPath(config.ConfigFileName)
	if err := writeFileAtomic(canonical, data, 0o644); err != nil {
		return "", cvd.Wrap(cvd.IOFailed, err, "save config to %s", canonical)
	}
	if inst := doc.OrderedInstances(); len(inst) > 0 {
		legacy := inst[0].PerInstancePath(config.ConfigFileName)
		if err := writeFileAtomic(legacy, data, 0o644); err != nil {
			return "", cvd.Wrap(cvd.IOFailed, err, "save legacy config to %s", legacy)
		}
	}
	if err := os.Setenv(ConfigEnvVar, canonical); err != nil {
		return "", cvd.Wrap(cvd.FatalInternal, err, "setenv %s", ConfigEnvVar)
	}
	if !env.Sandbox {
		link := filepath.Join(env.Home, GlobalConfigLinkName)
		if err := forceSymlink(canonical, link); err != nil {
			return "", err
		}
	}
	cvd.LogEvent(env, "configuration published", "path", canonical, "instances", len(doc.Instances))
	return canonical, nil
}

// writeFileAtomic replaces path through a synced temp file in the same dir.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
