package certcache

import (
	"testing"
	"time"

	"github.com/nbari/dbpulse/internal/certprobe"
)

func TestCacheCreationMiss(t *testing.T) {
	c := New(300 * time.Second)
	if _, ok := c.Get("test"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheSetGet(t *testing.T) {
	c := New(300 * time.Second)
	md := &certprobe.Metadata{CertSubject: "CN=test"}
	c.Set("test", md)
	got, ok := c.Get("test")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.CertSubject != "CN=test" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(100 * time.Millisecond)
	c.Set("test", &certprobe.Metadata{CertSubject: "CN=test"})
	if _, ok := c.Get("test"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(150 * time.Millisecond)
	if _, ok := c.Get("test"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestCacheZeroTTLAlwaysMisses(t *testing.T) {
	c := New(0)
	c.Set("test", &certprobe.Metadata{CertSubject: "CN=test"})
	if _, ok := c.Get("test"); ok {
		t.Fatal("TTL=0 must behave as never-cache")
	}
}
