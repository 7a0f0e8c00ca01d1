package models

import "testing"

func TestVideoStatusValid(t *testing.T) {
	for _, status := range []VideoStatus{StatusUploaded, StatusQueued, StatusProcessing, StatusReady, StatusFailed} {
		if !status.Valid() {
			t.Fatalf("expected %q to be valid", status)
		}
	}
	if VideoStatus("archived").Valid() {
		t.Fatal("unexpected status accepted")
	}
}

func TestVideoStatusTerminal(t *testing.T) {
	if !StatusReady.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("ready and failed should be terminal")
	}
	for _, status := range []VideoStatus{StatusUploaded, StatusQueued, StatusProcessing} {
		if status.Terminal() {
			t.Fatalf("%q should not be terminal", status)
		}
	}
}

func TestDefaultLadderOrderedAscending(t *testing.T) {
	ladder := DefaultLadder()
	if len(ladder) != 3 {
		t.Fatalf("expected 3 rungs, got %d", len(ladder))
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i].Height <= ladder[i-1].Height {
			t.Fatalf("ladder not ascending at index %d", i)
		}
		if ladder[i].Bandwidth <= ladder[i-1].Bandwidth {
			t.Fatalf("bandwidth not ascending at index %d", i)
		}
	}
}

func TestValidCategory(t *testing.T) {
	if !ValidCategory("") {
		t.Fatal("empty category should be accepted")
	}
	if !ValidCategory("drama") {
		t.Fatal("known category rejected")
	}
	if ValidCategory("telenovela") {
		t.Fatal("unknown category accepted")
	}
}
