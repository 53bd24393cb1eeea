// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import "testing"

func TestOutputRegistryRejectsDuplicate(t *testing.T) {
	reg := newOutputRegistry()
	if err := reg.Register("/root/build/out.o", "/root"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register("/root/build/out.o", "/root")
	if err == nil {
		t.Fatal("expected duplicate-output error, got nil")
	}
}

func TestOutputRegistryAllowsDistinctPaths(t *testing.T) {
	reg := newOutputRegistry()
	if err := reg.Register("/root/a.o", "/root"); err != nil {
		t.Fatalf("Register a.o: %v", err)
	}
	if err := reg.Register("/root/b.o", "/root"); err != nil {
		t.Fatalf("Register b.o: %v", err)
	}
}

func TestCheckAcyclicDetectsCycle(t *testing.T) {
	edges := []buildEdge{
		{from: "a", to: "b"},
		{from: "b", to: "c"},
		{from: "c", to: "a"},
	}
	if err := CheckAcyclic(edges); err == nil {
		t.Fatal("expected a cycle to be detected, got nil")
	}
}

func TestCheckAcyclicAcceptsDAG(t *testing.T) {
	edges := []buildEdge{
		{from: "a", to: "b"},
		{from: "b", to: "c"},
		{from: "a", to: "c"},
	}
	if err := CheckAcyclic(edges); err != nil {
		t.Errorf("expected no cycle, got: %v", err)
	}
}

func TestCheckTaskGraphAcyclic(t *testing.T) {
	t1 := &Task{AbsFilesIn: []string{"src.c"}, AbsFilesOut: []string{"src.o"}}
	t2 := &Task{AbsFilesIn: []string{"src.o"}, AbsFilesOut: []string{"app"}}
	if err := CheckTaskGraphAcyclic([]*Task{t1, t2}); err != nil {
		t.Errorf("expected no cycle, got: %v", err)
	}

	t3 := &Task{AbsFilesIn: []string{"app"}, AbsFilesOut: []string{"src.c"}}
	if err := CheckTaskGraphAcyclic([]*Task{t1, t2, t3}); err == nil {
		t.Error("expected a cycle to be detected, got nil")
	}
}
