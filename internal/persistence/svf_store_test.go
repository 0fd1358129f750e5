package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func TestStore_AppendSVFMessageAllocatesSeqPerChannel(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seq, err := store.AppendSVFMessage(ctx, "bridge", "CP6", "hull sweep complete", "")
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	seq, err = store.AppendSVFMessage(ctx, "bridge", "CP7", "ack, starting pass two", persistence.SVFPriorityNormal)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}

	// A different channel starts its own counter.
	seq, err = store.AppendSVFMessage(ctx, "engineering", "CP8", "coolant nominal", "")
	if err != nil {
		t.Fatalf("append engineering: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected engineering seq 1, got %d", seq)
	}

	latest, err := store.LatestSVFSeq(ctx, "bridge")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 2 {
		t.Fatalf("expected latest bridge seq 2, got %d", latest)
	}

	channels, err := store.SVFChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 2 || channels[0] != "bridge" || channels[1] != "engineering" {
		t.Fatalf("unexpected channels: %#v", channels)
	}
}

func TestStore_AppendSVFMessageValidation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendSVFMessage(ctx, "", "CP6", "no channel", ""); err == nil {
		t.Fatal("expected error for empty channel")
	}
	if _, err := store.AppendSVFMessage(ctx, "bridge", "CP42", "bad sender", ""); err == nil {
		t.Fatal("expected error for unknown roster id")
	}
	if _, err := store.AppendSVFMessage(ctx, "bridge", "CP6", "bad priority", "urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestStore_AckSVFMessageUnknownReturnsNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.AckSVFMessage(context.Background(), "bridge", 7, "CP6")
	if !errors.Is(err, persistence.ErrSVFMessageNotFound) {
		t.Fatalf("expected ErrSVFMessageNotFound, got %v", err)
	}
}

func TestStore_AckSVFMessageIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seq, err := store.AppendSVFMessage(ctx, "bridge", "CP6", "please ack", persistence.SVFPriorityHigh)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AckSVFMessage(ctx, "bridge", seq, "CP7"); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := store.AckSVFMessage(ctx, "bridge", seq, "CP7"); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}

	msgs, err := store.ListSVFMessages(ctx, "bridge", 0, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].AckBy) != 1 || msgs[0].AckBy[0] != "CP7" {
		t.Fatalf("expected single CP7 ack, got %#v", msgs[0].AckBy)
	}
}

func TestStore_ListSVFMessagesFromSeqIsExclusive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := store.AppendSVFMessage(ctx, "bridge", "CP6", body, ""); err != nil {
			t.Fatalf("append %q: %v", body, err)
		}
	}

	msgs, err := store.ListSVFMessages(ctx, "bridge", 1, 10)
	if err != nil {
		t.Fatalf("list from seq 1: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 2 || msgs[1].Seq != 3 {
		t.Fatalf("expected seqs 2 and 3, got %#v", msgs)
	}
	if msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Fatalf("unexpected bodies: %#v", msgs)
	}
}

func TestStore_SVFBacklogCountsUnackedHighPriority(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendSVFMessage(ctx, "bridge", "CP6", "routine traffic", persistence.SVFPriorityNormal); err != nil {
		t.Fatalf("append normal: %v", err)
	}
	flareA, err := store.AppendSVFMessage(ctx, "bridge", "CP6", "flare: sensor drift", persistence.SVFPriorityHigh)
	if err != nil {
		t.Fatalf("append flare A: %v", err)
	}
	if _, err := store.AppendSVFMessage(ctx, "engineering", "CP8", "flare: coolant spike", persistence.SVFPriorityHigh); err != nil {
		t.Fatalf("append flare B: %v", err)
	}

	backlog, err := store.SVFBacklog(ctx)
	if err != nil {
		t.Fatalf("svf backlog: %v", err)
	}
	if backlog != 2 {
		t.Fatalf("expected backlog 2, got %d", backlog)
	}

	if err := store.AckSVFMessage(ctx, "bridge", flareA, "CP7"); err != nil {
		t.Fatalf("ack flare A: %v", err)
	}
	backlog, err = store.SVFBacklog(ctx)
	if err != nil {
		t.Fatalf("svf backlog after ack: %v", err)
	}
	if backlog != 1 {
		t.Fatalf("expected backlog 1 after ack, got %d", backlog)
	}
}
