package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	require.NoError(t, registry.Register(jobA))
	require.NoError(t, registry.Register(jobB))
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	// ensure caller cannot mutate internal slice
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
	assert.Equal(t, []string{"a", "b"}, registry.Names())
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	registry := NewRegistry(&stubJob{name: "a"}, nil, &stubJob{name: "a"})
	assert.Len(t, registry.Jobs(), 1)
	assert.Error(t, registry.Register(&stubJob{name: "a"}))
	assert.Error(t, registry.Register(nil))
}

func TestRegistryLookup(t *testing.T) {
	job := &stubJob{name: "reaper"}
	registry := NewRegistry(job)
	got, ok := registry.Lookup("reaper")
	require.True(t, ok)
	assert.Same(t, job, got)
	_, ok = registry.Lookup("missing")
	assert.False(t, ok)
}
