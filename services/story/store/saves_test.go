// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/storyerr"
)

// =============================================================================
// Saves
// =============================================================================

func TestCreateSave_EmptyTitleDefaultsToWish(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "vera", "重生为武则天")
	root := seedRoot(t, s, sess.ID)

	save, err := s.CreateSave(ctx, "vera", datatypes.CreateSaveRequest{
		SessionID: sess.ID,
		NodeID:    root.ID,
	})
	if err != nil {
		t.Fatalf("CreateSave: %v", err)
	}
	if save.Title != "重生为武则天" {
		t.Errorf("Title = %q, want the session wish", save.Title)
	}
	if save.Status != datatypes.SaveStatusActive {
		t.Errorf("Status = %q, want %q", save.Status, datatypes.SaveStatusActive)
	}
}

func TestCreateSave_EnforcesOwnershipAndParentage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "walt", "wish")
	root := seedRoot(t, s, sess.ID)
	seedSession(t, s, "xena", "wish")

	_, err := s.CreateSave(ctx, "xena", datatypes.CreateSaveRequest{
		SessionID: sess.ID,
		NodeID:    root.ID,
	})
	if !errors.Is(err, storyerr.ErrForbidden) {
		t.Errorf("foreign session err = %v, want ErrForbidden", err)
	}

	_, err = s.CreateSave(ctx, "walt", datatypes.CreateSaveRequest{
		SessionID: sess.ID,
		NodeID:    9999,
	})
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("missing node err = %v, want ErrNotFound", err)
	}
}

func TestListSaves_StatusFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "yuri", "wish")
	root := seedRoot(t, s, sess.ID)

	if _, err := s.CreateSave(ctx, "yuri", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID, Title: "进行中",
	}); err != nil {
		t.Fatalf("CreateSave: %v", err)
	}
	done, err := s.CreateSave(ctx, "yuri", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID, Title: "已通关",
	})
	if err != nil {
		t.Fatalf("CreateSave: %v", err)
	}
	completed := datatypes.SaveStatusCompleted
	if _, err := s.UpdateSave(ctx, "yuri", done.ID, datatypes.UpdateSaveRequest{Status: &completed}); err != nil {
		t.Fatalf("UpdateSave: %v", err)
	}

	all, err := s.ListSaves(ctx, "yuri", "")
	if err != nil {
		t.Fatalf("ListSaves(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all saves = %d, want 2", len(all))
	}

	filtered, err := s.ListSaves(ctx, "yuri", datatypes.SaveStatusCompleted)
	if err != nil {
		t.Fatalf("ListSaves(completed): %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != done.ID {
		t.Errorf("completed filter returned %+v, want only save %d", filtered, done.ID)
	}
}

func TestUpdateSave_NoOpPatchReturnsRow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "zack", "wish")
	root := seedRoot(t, s, sess.ID)
	save, err := s.CreateSave(ctx, "zack", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID, Title: "起点",
	})
	if err != nil {
		t.Fatalf("CreateSave: %v", err)
	}

	// Same title, same status: nothing to write.
	sameTitle := "起点"
	got, err := s.UpdateSave(ctx, "zack", save.ID, datatypes.UpdateSaveRequest{Title: &sameTitle})
	if err != nil {
		t.Fatalf("UpdateSave(no-op): %v", err)
	}
	if !got.UpdatedAt.Equal(save.UpdatedAt) {
		t.Error("no-op patch must not touch updated_at")
	}

	newTitle := "新的起点"
	got, err = s.UpdateSave(ctx, "zack", save.ID, datatypes.UpdateSaveRequest{Title: &newTitle})
	if err != nil {
		t.Fatalf("UpdateSave(title): %v", err)
	}
	if got.Title != newTitle {
		t.Errorf("Title = %q, want %q", got.Title, newTitle)
	}
}

func TestUpdateSave_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "amy", "wish")
	root := seedRoot(t, s, sess.ID)
	save, err := s.CreateSave(ctx, "amy", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID,
	})
	if err != nil {
		t.Fatalf("CreateSave: %v", err)
	}

	bogus := "paused"
	_, err = s.UpdateSave(ctx, "amy", save.ID, datatypes.UpdateSaveRequest{Status: &bogus})
	if !errors.Is(err, storyerr.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestDeleteSave_OwnershipThroughSessionJoin(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, s, "ben", "wish")
	root := seedRoot(t, s, sess.ID)
	save, err := s.CreateSave(ctx, "ben", datatypes.CreateSaveRequest{
		SessionID: sess.ID, NodeID: root.ID,
	})
	if err != nil {
		t.Fatalf("CreateSave: %v", err)
	}
	seedSession(t, s, "cleo", "wish")

	// A save behind another user's session join reads as missing.
	err = s.DeleteSave(ctx, "cleo", save.ID)
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("foreign delete err = %v, want ErrNotFound", err)
	}

	if err := s.DeleteSave(ctx, "ben", save.ID); err != nil {
		t.Fatalf("DeleteSave: %v", err)
	}
	_, err = s.GetSave(ctx, "ben", save.ID)
	if !errors.Is(err, storyerr.ErrNotFound) {
		t.Errorf("read after delete err = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// Moderation Records
// =============================================================================

func TestRecordWishModeration_AnonymousUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordWishModeration(ctx, nil, "重生为龙", "approved", ""); err != nil {
		t.Fatalf("RecordWishModeration(anonymous): %v", err)
	}

	user := "dora"
	if err := s.RecordWishModeration(ctx, &user, "重生为龙", "rejected", "violence"); err != nil {
		t.Fatalf("RecordWishModeration(rejected): %v", err)
	}
}
