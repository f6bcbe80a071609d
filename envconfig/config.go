// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package envconfig reads the environment variables that tune the attention
// kernels. Every getter re-reads the environment so tests can use t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the library and its tools.
// ATTN_DEBUG=1 (or true) enables debug, larger integers go further down
// (2 is trace).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ATTN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// NoSIMD forces the scalar reference path regardless of CPU capabilities.
	NoSIMD = Bool("HWY_NO_SIMD")
	// NumThreads sets the worker count of the vectorized path. 0 means GOMAXPROCS.
	NumThreads = Uint("ATTN_NUM_THREADS", 0)
	// GradCheckEpsilon is the finite-difference perturbation used by gradcheck.
	GradCheckEpsilon = Float("ATTN_GC_EPSILON", 1e-4)
	// GradCheckTolerance is the relative tolerance used by the gradcheck comparator.
	GradCheckTolerance = Float("ATTN_GC_TOLERANCE", 1e-2)
)

// KvCacheType returns the storage type of the key/value cache (f64, f32, f16 or bf16).
func KvCacheType() string {
	return strings.ToLower(Var("ATTN_KV_CACHE_TYPE"))
}

// BoolWithDefault returns a getter that parses key as a bool. Unparseable
// non-empty values count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Float returns a getter for a strictly positive float.
func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ATTN_DEBUG":         {"ATTN_DEBUG", LogLevel(), "Show additional debug information (e.g. ATTN_DEBUG=1)"},
		"HWY_NO_SIMD":        {"HWY_NO_SIMD", NoSIMD(), "Force the scalar reference path"},
		"ATTN_NUM_THREADS":   {"ATTN_NUM_THREADS", NumThreads(), "Workers used by the vectorized path (default: GOMAXPROCS)"},
		"ATTN_KV_CACHE_TYPE": {"ATTN_KV_CACHE_TYPE", KvCacheType(), "Storage type for the K/V cache (default: f64)"},
		"ATTN_GC_EPSILON":    {"ATTN_GC_EPSILON", GradCheckEpsilon(), "Finite-difference perturbation for gradient checks"},
		"ATTN_GC_TOLERANCE":  {"ATTN_GC_TOLERANCE", GradCheckTolerance(), "Relative tolerance for gradient checks"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
