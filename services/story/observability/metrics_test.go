// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a GameMetrics against a private registry so tests
// don't collide with the default Prometheus registry or with each other.
func newTestMetrics(t *testing.T) *GameMetrics {
	t.Helper()
	return newGameMetrics(prometheus.NewRegistry())
}

func TestInitMetrics_Idempotent(t *testing.T) {
	first := InitMetrics()
	if first == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics != first {
		t.Fatal("DefaultMetrics should equal the returned value")
	}

	// Calling again must not re-register (promauto panics on duplicates).
	second := InitMetrics()
	if second != first {
		t.Error("second InitMetrics() call should return the same instance")
	}
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest("/api/story/start", "200", 0.8)
	m.RecordRequest("/api/story/start", "200", 1.2)
	m.RecordRequest("/api/story/continue", "403", 0.01)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/story/start", "200"))
	if val != 2 {
		t.Errorf("RequestsTotal[start,200] = %f, want 2", val)
	}
	val = testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/story/continue", "403"))
	if val != 1 {
		t.Errorf("RequestsTotal[continue,403] = %f, want 1", val)
	}
}

func TestRecordLLMCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMCall("doubao", true, 2.5)
	m.RecordLLMCall("doubao", false, 30.0)
	m.RecordLLMRetry("doubao")
	m.RecordLLMRetry("doubao")

	success := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("doubao", "success"))
	if success != 1 {
		t.Errorf("LLMCallsTotal[doubao,success] = %f, want 1", success)
	}
	failed := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("doubao", "error"))
	if failed != 1 {
		t.Errorf("LLMCallsTotal[doubao,error] = %f, want 1", failed)
	}
	retries := testutil.ToFloat64(m.LLMRetriesTotal.WithLabelValues("doubao"))
	if retries != 2 {
		t.Errorf("LLMRetriesTotal[doubao] = %f, want 2", retries)
	}
}

func TestSpeculationCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSpeculationEnqueued()
	m.RecordSpeculationEnqueued()
	m.RecordSpeculationDropped(DropReasonUserCap)
	m.RecordSpeculationNode(NodeOutcomeGenerated)
	m.RecordSpeculationNode(NodeOutcomeDuplicate)
	m.RecordSpeculationHit(true)
	m.RecordSpeculationHit(false)
	m.SetSpeculationQueueDepth(7)

	if v := testutil.ToFloat64(m.SpeculationEnqueuedTotal); v != 2 {
		t.Errorf("SpeculationEnqueuedTotal = %f, want 2", v)
	}
	if v := testutil.ToFloat64(m.SpeculationDroppedTotal.WithLabelValues("user_cap")); v != 1 {
		t.Errorf("SpeculationDroppedTotal[user_cap] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.SpeculationNodesTotal.WithLabelValues("generated")); v != 1 {
		t.Errorf("SpeculationNodesTotal[generated] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.SpeculationHitsTotal.WithLabelValues("hit")); v != 1 {
		t.Errorf("SpeculationHitsTotal[hit] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.SpeculationHitsTotal.WithLabelValues("miss")); v != 1 {
		t.Errorf("SpeculationHitsTotal[miss] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.SpeculationQueueDepth); v != 7 {
		t.Errorf("SpeculationQueueDepth = %f, want 7", v)
	}
}

func TestCacheAndImageCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCacheEvent(CacheEventStore)
	m.RecordCacheEvent(CacheEventHit)
	m.RecordCacheEvent(CacheEventMiss)
	m.RecordCacheEvent(CacheEventEvict)
	m.RecordImageServed(ImageSourceLibrary)
	m.RecordImageServed(ImageSourceGenerated)
	m.RecordImageDownload(1.5)
	m.RecordSettlement("success", "A")

	for _, event := range []CacheEvent{CacheEventStore, CacheEventHit, CacheEventMiss, CacheEventEvict} {
		if v := testutil.ToFloat64(m.PrimingCacheEventsTotal.WithLabelValues(string(event))); v != 1 {
			t.Errorf("PrimingCacheEventsTotal[%s] = %f, want 1", event, v)
		}
	}
	if v := testutil.ToFloat64(m.ImagesServedTotal.WithLabelValues("library")); v != 1 {
		t.Errorf("ImagesServedTotal[library] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("success", "A")); v != 1 {
		t.Errorf("SettlementsTotal[success,A] = %f, want 1", v)
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 60)
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordSpeculationEnqueued()
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordLLMCall("ollama", true, 0.5)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest("/api/story/continue", "200", 0.2)
			done <- true
		}()
	}
	for i := 0; i < 60; i++ {
		<-done
	}

	if v := testutil.ToFloat64(m.SpeculationEnqueuedTotal); v != 20 {
		t.Errorf("SpeculationEnqueuedTotal = %f, want 20", v)
	}
	if v := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("ollama", "success")); v != 20 {
		t.Errorf("LLMCallsTotal[ollama,success] = %f, want 20", v)
	}
	if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/story/continue", "200")); v != 20 {
		t.Errorf("RequestsTotal = %f, want 20", v)
	}
}
