// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	keyAvbVbmetaAlgorithm   = "avb_vbmeta_algorithm"
	keyAvbVbmetaArgs        = "avb_vbmeta_args"
	keyAvbVbmetaKeyPath     = "avb_vbmeta_key_path"
	keyDynamicPartitions    = "dynamic_partition_list"
	keySuperBlockDevices    = "super_block_devices"
	keySuperPartitionGroups = "super_partition_groups"
	keyUseDynamicPartitions = "use_dynamic_partitions"
	rollbackIndexSuffix     = "_rollback_index_location"

	rsa2048Algorithm = "SHA256_RSA2048"
	rsa4096Algorithm = "SHA256_RSA4096"
)

var (
	nonPartitionKeysToMerge = []string{"ab_update", "default_system_dev_certificate"}

	// Partitions os_vbmeta either chains to or includes descriptors from.
	vbmetaPartitions = []string{
		"boot", "init_boot", "odm", "odm_dlkm", "vbmeta_system",
		"vbmeta_system_dlkm", "vbmeta_vendor_dlkm", "vendor", "vendor_boot",
	}

	vendorOnlySuperKeys = []string{
		"virtual_ab", "virtual_ab_retrofit", "lpmake", "super_metadata_device",
		"super_partition_error_limit", "super_partition_size",
	}
)

// MiscInfo is the key=value content of a target-files META/misc_info.txt.
type MiscInfo map[string]string

// ParseMiscInfo reads misc_info.txt content. Lines without '=' are skipped;
// a key repeated with a different value is an error.
func ParseMiscInfo(env cvd.Env, contents string) (MiscInfo, error) {
	info := MiscInfo{}
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			cvd.LogWarn(env, "misc_info line in unknown format", "line", line)
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if prev, dup := info[key]; dup && prev != value {
			return nil, cvd.Errorf(cvd.InvalidOptions,
				"Duplicate key with different value. key:%q, previous value:%q, this value:%q", key, prev, value)
		}
		info[key] = value
	}
	return info, nil
}

// String renders info sorted by key, one entry per line.
func (m MiscInfo) String() string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(m)) {
		b.WriteString(k + "=" + m[k] + "\n")
	}
	return b.String()
}

// WriteMiscInfo writes info to path.
func WriteMiscInfo(info MiscInfo, path string) error {
	if err := os.WriteFile(path, []byte(info.String()), 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Failed to write output misc file")
	}
	return nil
}

func (m MiscInfo) expect(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", cvd.Errorf(cvd.InvalidOptions, "Unable to retrieve expected value from key: %s", key)
	}
	return v, nil
}

// mergePartitionLists unions both lists, keeping only extracted partitions,
// sorted and deduplicated.
func mergePartitionLists(vendor, system string, extracted map[string]bool) string {
	set := map[string]bool{}
	for _, p := range strings.Fields(vendor + " " + system) {
		if extracted[p] {
			set[p] = true
		}
	}
	return strings.Join(slices.Sorted(maps.Keys(set)), " ")
}

func partitionList(vendor, system MiscInfo, key string, extracted map[string]bool) string {
	return mergePartitionLists(vendor[key], system[key], extracted)
}

// CombinedDynamicPartitions merges the dynamic_partitions_info of a vendor
// and a system build.
func CombinedDynamicPartitions(vendor, system MiscInfo, extracted map[string]bool) (MiscInfo, error) {
	for name, info := range map[string]MiscInfo{"Vendor": vendor, "System": system} {
		v, err := info.expect(keyUseDynamicPartitions)
		if err != nil {
			return nil, err
		}
		if v != "true" {
			return nil, cvd.Errorf(cvd.InvalidOptions, "%s build must have %s=true", name, keyUseDynamicPartitions)
		}
	}
	result := MiscInfo{}
	for k, v := range vendor {
		if sv, ok := system[k]; ok && sv == v {
			result[k] = v
		}
	}
	result[keyDynamicPartitions] = partitionList(vendor, system, keyDynamicPartitions, extracted)

	if devices, ok := vendor[keySuperBlockDevices]; ok {
		result[keySuperBlockDevices] = devices
		for _, dev := range strings.Fields(devices) {
			key := "super_" + dev + "_device_size"
			v, err := vendor.expect(key)
			if err != nil {
				return nil, err
			}
			result[key] = v
		}
	}

	groups, err := vendor.expect(keySuperPartitionGroups)
	if err != nil {
		return nil, err
	}
	result[keySuperPartitionGroups] = groups
	for _, group := range strings.Fields(groups) {
		sizeKey := "super_" + group + "_group_size"
		size, err := vendor.expect(sizeKey)
		if err != nil {
			return nil, err
		}
		result[sizeKey] = size
		listKey := "super_" + group + "_partition_list"
		result[listKey] = partitionList(vendor, system, listKey, extracted)
	}

	for _, key := range vendorOnlySuperKeys {
		if v, ok := vendor[key]; ok {
			result[key] = v
		}
	}
	return result, nil
}

func partitionKeys(name string) []string {
	fsType := name + "_fs_type"
	if name == "system" {
		fsType = "fs_type"
	}
	return []string{
		"avb_" + name,
		"avb_" + name + "_algorithm",
		"avb_" + name + "_key_path",
		"avb_" + name + rollbackIndexSuffix,
		"avb_" + name + "_hashtree_enable",
		"avb_" + name + "_add_hashtree_footer_args",
		name + "_disable_sparse",
		"building_" + name + "_image",
		fsType,
	}
}

// MergeMiscInfos starts from the vendor values, takes the per-partition
// keys of the system partitions from the system build and applies the
// combined dynamic partition info on top. Conflicting rollback index
// locations are moved to the next free index.
func MergeMiscInfos(vendor, system, combinedDp MiscInfo, systemPartitions []string) (MiscInfo, error) {
	result := maps.Clone(vendor)
	used := map[int]bool{}
	for _, partition := range systemPartitions {
		for _, key := range partitionKeys(partition) {
			value, ok := system[key]
			if !ok {
				continue
			}
			if strings.HasSuffix(key, rollbackIndexSuffix) {
				index, err := strconv.Atoi(value)
				if err != nil {
					return nil, cvd.Wrap(cvd.InvalidOptions, err,
						"Unable to parse value %s to string.  Maybe a wrong or bad value read for the rollback index?", value)
				}
				for used[index] {
					index++
				}
				used[index] = true
				value = strconv.Itoa(index)
			}
			result[key] = value
		}
	}
	for _, key := range nonPartitionKeysToMerge {
		if v, ok := system[key]; ok {
			result[key] = v
		}
	}
	maps.Copy(result, combinedDp)
	return result, nil
}

// ChainPartition is a partition os_vbmeta delegates verification to.
type ChainPartition struct {
	Name          string
	RollbackIndex string
	KeyPath       string
}

// VbmetaArgs describes the os_vbmeta image to generate.
type VbmetaArgs struct {
	Algorithm          string
	KeyPath            string
	ExtraArguments     []string
	ChainedPartitions  []ChainPartition
	IncludedPartitions []string
}

func testKey(env cvd.Env, algorithm string, public bool) (string, error) {
	var name string
	switch algorithm {
	case rsa4096Algorithm:
		name = "cvd_avb_testkey_rsa4096"
	case rsa2048Algorithm:
		name = "cvd_avb_testkey_rsa2048"
	default:
		return "", cvd.Errorf(cvd.InvalidOptions, "Unexpected algorithm.  No key available.")
	}
	if public {
		return env.HostArtifact("etc/" + strings.Replace(name, "testkey", "pubkey", 1) + ".avbpubkey"), nil
	}
	return env.HostArtifact("etc/" + name + ".pem"), nil
}

// GetVbmetaArgs derives the os_vbmeta arguments from a merged misc_info.
// Partitions with their own key are chained; the rest are included from
// imagePath/IMAGES.
func GetVbmetaArgs(env cvd.Env, info MiscInfo, imagePath string) (VbmetaArgs, error) {
	if _, err := info.expect(keyAvbVbmetaKeyPath); err != nil {
		return VbmetaArgs{}, err
	}
	algorithm, err := info.expect(keyAvbVbmetaAlgorithm)
	if err != nil {
		return VbmetaArgs{}, err
	}
	key, err := testKey(env, algorithm, false)
	if err != nil {
		return VbmetaArgs{}, err
	}
	args := VbmetaArgs{Algorithm: algorithm, KeyPath: key}
	args.ExtraArguments = strings.Fields(info[keyAvbVbmetaArgs])

	for _, p := range vbmetaPartitions {
		if _, ok := info[fmt.Sprintf("avb_%s_key_path", p)]; !ok {
			args.IncludedPartitions = append(args.IncludedPartitions, fmt.Sprintf("%s/IMAGES/%s.img", imagePath, p))
			continue
		}
		partAlgorithm, err := info.expect(fmt.Sprintf("avb_%s_algorithm", p))
		if err != nil {
			return VbmetaArgs{}, err
		}
		index, err := info.expect("avb_" + p + rollbackIndexSuffix)
		if err != nil {
			return VbmetaArgs{}, err
		}
		pub, err := testKey(env, partAlgorithm, true)
		if err != nil {
			return VbmetaArgs{}, err
		}
		args.ChainedPartitions = append(args.ChainedPartitions, ChainPartition{Name: p, RollbackIndex: index, KeyPath: pub})
	}
	return args, nil
}

// MakeVbmetaImage runs avbtool make_vbmeta_image for args.
func MakeVbmetaImage(env cvd.Env, args VbmetaArgs, output string) error {
	cmd := cvd.NewCommand(env.HostBinary("avbtool"), "make_vbmeta_image",
		"--algorithm", args.Algorithm,
		"--key", args.KeyPath)
	for _, c := range args.ChainedPartitions {
		cmd.AddArgs("--chain_partition", c.Name+":"+c.RollbackIndex+":"+c.KeyPath)
	}
	for _, img := range args.IncludedPartitions {
		cmd.AddArgs("--include_descriptors_from_image", img)
	}
	cmd.AddArgs(args.ExtraArguments...)
	cmd.AddArgs("--output", output)
	if err := cmd.Run(env); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to create vbmeta %s", output)
	}
	return nil
}
