package hwy

import (
	"slices"

	"github.com/klauspost/cpuid/v2"
)

// CPUInfo describes the host as seen by the dispatcher.
type CPUInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Level         DispatchLevel
	Lanes         int
	Features      []string
}

// Describe returns the host CPU description and the selected dispatch level.
func Describe() CPUInfo {
	features := cpuid.CPU.FeatureSet()
	slices.Sort(features)
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Level:         currentLevel,
		Lanes:         Lanes(),
		Features:      features,
	}
}
