// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// InstanceNumsInput carries the options that select instance numbers. They
// must be known before vectorization because they define N.
type InstanceNumsInput struct {
	InstanceNums    string
	NumInstances    int
	NumInstancesSet bool
	BaseInstance    int
	BaseInstanceSet bool
	EnvInstance     string
}

// InstanceNumsInputFrom reads the selection options from a parsed flag set.
func InstanceNumsInputFrom(fs *pflag.FlagSet, env cvd.Env) (InstanceNumsInput, error) {
	in := InstanceNumsInput{NumInstances: 1, EnvInstance: env.Instance}
	if f := fs.Lookup(InstanceNumsOpt); f != nil {
		in.InstanceNums = f.Value.String()
	}
	if f := fs.Lookup(NumInstances); f != nil {
		n, err := strconv.Atoi(strings.TrimSpace(f.Value.String()))
		if err != nil {
			return in, cvd.Errorf(cvd.InvalidOptions, "--%s: %q is not an integer", NumInstances, f.Value.String())
		}
		in.NumInstances = n
		in.NumInstancesSet = f.Changed
	}
	if f := fs.Lookup(BaseInstanceNum); f != nil {
		n, err := strconv.Atoi(strings.TrimSpace(f.Value.String()))
		if err != nil {
			return in, cvd.Errorf(cvd.InvalidOptions, "--%s: %q is not an integer", BaseInstanceNum, f.Value.String())
		}
		in.BaseInstance = n
		in.BaseInstanceSet = f.Changed
	}
	return in, nil
}

// CalculateInstanceNums returns the ordered, unique instance ids.
func CalculateInstanceNums(in InstanceNumsInput) ([]int, error) {
	base := 1
	switch {
	case in.BaseInstanceSet:
		base = in.BaseInstance
	case in.EnvInstance != "":
		n, err := strconv.Atoi(strings.TrimPrefix(in.EnvInstance, "vsoc-"))
		if err != nil {
			return nil, cvd.Errorf(cvd.InvalidOptions, "CUTTLEFISH_INSTANCE=%q is not an instance number", in.EnvInstance)
		}
		base = n
	}
	if base < 1 {
		return nil, cvd.Errorf(cvd.InvalidOptions, "base instance number must be at least 1, got %d", base)
	}

	if strings.TrimSpace(in.InstanceNums) != "" {
		var nums []int
		seen := map[int]bool{}
		for _, tok := range strings.Split(in.InstanceNums, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				return nil, cvd.Errorf(cvd.InvalidOptions, "--instance_nums: %q is not an integer", tok)
			}
			if n < 1 {
				return nil, cvd.Errorf(cvd.InvalidOptions, "--instance_nums: instance %d must be at least 1", n)
			}
			if seen[n] {
				return nil, cvd.Errorf(cvd.InvalidOptions, "--instance_nums: duplicate instance %d", n)
			}
			seen[n] = true
			nums = append(nums, n)
		}
		if in.NumInstancesSet && in.NumInstances != len(nums) {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--num_instances=%d does not match %d entries in --instance_nums", in.NumInstances, len(nums))
		}
		if in.BaseInstanceSet && in.BaseInstance != nums[0] {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--base_instance_num=%d does not match first entry %d of --instance_nums", in.BaseInstance, nums[0])
		}
		return nums, nil
	}

	if in.NumInstances < 1 {
		return nil, cvd.Errorf(cvd.InvalidOptions, "--num_instances must be at least 1, got %d", in.NumInstances)
	}
	nums := make([]int, in.NumInstances)
	for i := range nums {
		nums[i] = base + i
	}
	return nums, nil
}
