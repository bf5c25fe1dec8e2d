package lock

import "testing"

func TestAcquireSucceedsForFreeNode(t *testing.T) {
	m := New()
	if !m.Acquire(5, "alice") {
		t.Fatal("expected acquire to succeed")
	}
	node, ok := m.ClientDevice("alice")
	if !ok || node != 5 {
		t.Fatalf("client_device mismatch: node=%d ok=%v", node, ok)
	}
	holder, ok := m.Holder(5)
	if !ok || holder != "alice" {
		t.Fatalf("holder mismatch: holder=%q ok=%v", holder, ok)
	}
}

func TestAcquireIdempotentForSameHolder(t *testing.T) {
	m := New()
	m.Acquire(5, "alice")
	if !m.Acquire(5, "alice") {
		t.Fatal("re-acquiring own lock should succeed")
	}
}

func TestAcquireFailsForDifferentHolder(t *testing.T) {
	m := New()
	m.Acquire(5, "alice")
	if m.Acquire(5, "bob") {
		t.Fatal("acquire should fail while another client holds the node")
	}
}

func TestReleaseClientClearsBothDirections(t *testing.T) {
	m := New()
	m.Acquire(5, "alice")
	node, released := m.ReleaseClient("alice")
	if !released || node != 5 {
		t.Fatalf("unexpected release result: node=%d released=%v", node, released)
	}
	if _, ok := m.Holder(5); ok {
		t.Fatal("holder should be empty after release_client")
	}
	if _, ok := m.ClientDevice("alice"); ok {
		t.Fatal("client_device should be empty after release_client")
	}
}

func TestReleaseRemovesBothDirections(t *testing.T) {
	m := New()
	m.Acquire(5, "alice")
	m.Release(5)
	if _, ok := m.Holder(5); ok {
		t.Fatal("holder should be empty after release")
	}
	if _, ok := m.ClientDevice("alice"); ok {
		t.Fatal("client_device should be empty after release")
	}
}

func TestMapsStayInverse(t *testing.T) {
	m := New()
	m.Acquire(1, "a")
	m.Acquire(2, "b")
	m.Acquire(3, "c")
	m.ReleaseClient("b")

	for node, client := range m.byNode {
		if m.byClient[client] != node {
			t.Fatalf("byNode/byClient diverge at node=%d client=%q", node, client)
		}
	}
	for client, node := range m.byClient {
		if m.byNode[node] != client {
			t.Fatalf("byClient/byNode diverge at client=%q node=%d", client, node)
		}
	}
}
