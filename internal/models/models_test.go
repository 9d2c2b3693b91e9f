package models

import (
	"testing"
	"time"
)

func TestParseAccountKey(t *testing.T) {
	k, err := ParseAccountKey("109@Mastodon.Social")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if k.UserID != "109" || k.Domain != "mastodon.social" {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.String() != "109@mastodon.social" {
		t.Fatalf("unexpected string: %s", k.String())
	}

	for _, bad := range []string{"", "nodomain", "@domain", "user@"} {
		if _, err := ParseAccountKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFeedEntryOrdering(t *testing.T) {
	now := time.Now()
	older := FeedEntry{StatusPlatformID: "99", StatusCreatedAt: now}
	newer := FeedEntry{StatusPlatformID: "100", StatusCreatedAt: now}
	if !newer.NewerThan(older) {
		t.Fatalf("expected longer snowflake to sort newer on equal timestamps")
	}
	later := FeedEntry{StatusPlatformID: "1", StatusCreatedAt: now.Add(time.Second)}
	if !later.NewerThan(newer) {
		t.Fatalf("expected later timestamp to win")
	}
}

func TestChangesetEmpty(t *testing.T) {
	if !(Changeset{}).Empty() {
		t.Fatalf("zero changeset should be empty")
	}
	if (Changeset{DeletedStatuses: []EntityID{1}}).Empty() {
		t.Fatalf("changeset with deletions should not be empty")
	}
}
