// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os/exec"
	"strconv"
	"strings"
)

// =============================================================================
// Hardware Profile
// =============================================================================

// HardwareProfile classifies the host for worker sizing and layer
// offload defaults. The value is computed once at start and is advisory:
// the scheduler consults it, nothing else enforces it.
type HardwareProfile string

const (
	ProfileHighVRAM HardwareProfile = "high_vram"
	ProfileLowVRAM  HardwareProfile = "low_vram"
	ProfileCPUOnly  HardwareProfile = "cpu_only"
)

// highVRAMThresholdMiB splits high from low VRAM hosts. 12 GiB runs a
// quantized generator and the recognizer resident at once.
const highVRAMThresholdMiB = 12288

// DetectHardwareProfile probes for an accelerator and classifies it.
//
// # Description
//
// Best-effort probe: asks nvidia-smi for total VRAM. Any failure (no
// binary, no device, unparseable output) degrades to cpu_only rather
// than erroring. Multi-GPU hosts are classified by the largest device.
//
// # Outputs
//
//   - HardwareProfile: high_vram, low_vram, or cpu_only.
func DetectHardwareProfile() HardwareProfile {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return ProfileCPUOnly
	}
	best := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		mib, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		if mib > best {
			best = mib
		}
	}
	switch {
	case best >= highVRAMThresholdMiB:
		return ProfileHighVRAM
	case best > 0:
		return ProfileLowVRAM
	default:
		return ProfileCPUOnly
	}
}
