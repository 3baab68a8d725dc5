package control_test

import (
	"sync"
	"testing"

	"github.com/tabrmd/tabrmd/control"
	"github.com/tabrmd/tabrmd/transport"
)

func TestConfigStoreSetAndSnapshot(t *testing.T) {
	cs := control.NewConfigStore(control.Config{TransportDriver: "device", MaxFrameSize: 4096})

	if err := cs.SetConfig(control.Config{TransportOpts: transport.Options{"path": "/dev/tpm0"}}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	snap := cs.GetSnapshot()
	if snap.TransportDriver != "device" || snap.MaxFrameSize != 4096 {
		t.Fatalf("GetSnapshot = %+v, want TransportDriver=device MaxFrameSize=4096", snap)
	}
	if snap.TransportOpts["path"] != "/dev/tpm0" {
		t.Fatalf("GetSnapshot().TransportOpts = %+v, want path=/dev/tpm0", snap.TransportOpts)
	}

	snap.TransportOpts["path"] = "mutated"
	if cs.GetSnapshot().TransportOpts["path"] != "/dev/tpm0" {
		t.Fatal("GetSnapshot should return a copy, not a live view")
	}
}

func TestConfigStoreOnReloadFiresOnSetConfig(t *testing.T) {
	cs := control.NewConfigStore(control.Config{})
	var wg sync.WaitGroup
	wg.Add(1)
	cs.OnReload(func() { wg.Done() })

	if err := cs.SetConfig(control.Config{MaxFrameSize: 8192}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	wg.Wait()
}

func TestConfigStoreSetConfigRejectsNegativeMaxFrameSize(t *testing.T) {
	cs := control.NewConfigStore(control.Config{MaxFrameSize: 4096})
	if err := cs.SetConfig(control.Config{MaxFrameSize: -1}); err == nil {
		t.Fatal("SetConfig should reject a negative MaxFrameSize")
	}
	if got := cs.GetSnapshot().MaxFrameSize; got != 4096 {
		t.Fatalf("rejected SetConfig must not change MaxFrameSize, got %d", got)
	}
}

func TestConfigStoreSetConfigRejectsNegativeQueueDepth(t *testing.T) {
	cs := control.NewConfigStore(control.Config{QueueDepth: 64})
	if err := cs.SetConfig(control.Config{QueueDepth: -1}); err == nil {
		t.Fatal("SetConfig should reject a negative QueueDepth")
	}
	if got := cs.GetSnapshot().QueueDepth; got != 64 {
		t.Fatalf("rejected SetConfig must not change QueueDepth, got %d", got)
	}
}
