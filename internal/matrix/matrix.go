// Package matrix models the test matrix: a set of named axes, each with an
// ordered list of values, and its Cartesian expansion into concrete job
// specifications.
package matrix

import (
	"fmt"
	"sort"
	"strings"
)

// Axis is one independently-varying dimension of the matrix.
type Axis struct {
	Name   string
	Values []string
}

// AxisSet is an ordered collection of axes. Declaration order is significant:
// it determines the significance order of the expansion and the shape of job
// labels.
type AxisSet struct {
	Axes []Axis
}

// JobSpec is one concrete assignment of exactly one value per axis. It is
// immutable once created by Expand.
type JobSpec struct {
	// Values maps axis name to the value selected for this job.
	Values map[string]string
	// Label is a human-readable identifier, axis values joined in axis
	// declaration order, e.g. "ubuntu-24.04/3.12/2.0".
	Label string
}

// Value returns the job's value for the named axis, or "" if the axis does
// not exist.
func (j JobSpec) Value(axis string) string {
	return j.Values[axis]
}

// Validate checks the AxisSet invariants: at least one axis, every axis
// non-empty, axis names unique.
func (s AxisSet) Validate() error {
	if len(s.Axes) == 0 {
		return fmt.Errorf("matrix has no axes")
	}
	seen := make(map[string]bool, len(s.Axes))
	for _, axis := range s.Axes {
		if axis.Name == "" {
			return fmt.Errorf("matrix axis with empty name")
		}
		if seen[axis.Name] {
			return fmt.Errorf("duplicate matrix axis %q", axis.Name)
		}
		seen[axis.Name] = true
		if len(axis.Values) == 0 {
			return fmt.Errorf("matrix axis %q has no values", axis.Name)
		}
	}
	return nil
}

// Size returns the number of jobs Expand will produce.
func (s AxisSet) Size() int {
	n := 1
	for _, axis := range s.Axes {
		n *= len(axis.Values)
	}
	if len(s.Axes) == 0 {
		return 0
	}
	return n
}

// Expand computes the Cartesian product of all axis value lists, producing
// one JobSpec per combination. The order is deterministic: axes vary in
// declaration order (the last axis varies fastest) and values are taken in
// lexicographic order within each axis. Expand returns an error if the set
// fails validation.
func (s AxisSet) Expand() ([]JobSpec, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	sorted := make([][]string, len(s.Axes))
	for i, axis := range s.Axes {
		values := append([]string(nil), axis.Values...)
		sort.Strings(values)
		sorted[i] = values
	}

	jobs := make([]JobSpec, 0, s.Size())
	indices := make([]int, len(s.Axes))
	for {
		values := make(map[string]string, len(s.Axes))
		parts := make([]string, len(s.Axes))
		for i, axis := range s.Axes {
			v := sorted[i][indices[i]]
			values[axis.Name] = v
			parts[i] = v
		}
		jobs = append(jobs, JobSpec{Values: values, Label: strings.Join(parts, "/")})

		// Advance the odometer, last axis fastest.
		i := len(indices) - 1
		for i >= 0 {
			indices[i]++
			if indices[i] < len(sorted[i]) {
				break
			}
			indices[i] = 0
			i--
		}
		if i < 0 {
			return jobs, nil
		}
	}
}
