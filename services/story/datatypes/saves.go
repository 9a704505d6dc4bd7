// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the story service.
//
// This file contains the save-bookmark request types and status enum.
package datatypes

import (
	"fmt"
	"unicode/utf8"
)

// Save statuses. A save marks where a run stands, not where a node is:
// "completed" and "failed" are the player's verdict on the whole run.
const (
	SaveStatusActive    = "active"
	SaveStatusCompleted = "completed"
	SaveStatusFailed    = "failed"
)

// ValidSaveStatus reports whether s is one of the three known statuses.
func ValidSaveStatus(s string) bool {
	switch s {
	case SaveStatusActive, SaveStatusCompleted, SaveStatusFailed:
		return true
	}
	return false
}

// CreateSaveRequest bookmarks a node in one of the caller's sessions.
type CreateSaveRequest struct {
	SessionID int64  `json:"session_id" binding:"required"`
	NodeID    int64  `json:"node_id" binding:"required"`
	Title     string `json:"title"`
}

// Validate bounds the title; an empty title is allowed and gets a
// store-side default.
func (r *CreateSaveRequest) Validate() error {
	if err := storyValidate.Struct(r); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.Title) > MaxSaveTitleRunes {
		return fmt.Errorf("title exceeds %d characters", MaxSaveTitleRunes)
	}
	return nil
}

// UpdateSaveRequest patches a save. Nil fields are left untouched.
type UpdateSaveRequest struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

// Validate rejects empty patches, oversized titles, and unknown statuses.
func (r *UpdateSaveRequest) Validate() error {
	if r.Title == nil && r.Status == nil {
		return fmt.Errorf("nothing to update")
	}
	if r.Title != nil && utf8.RuneCountInString(*r.Title) > MaxSaveTitleRunes {
		return fmt.Errorf("title exceeds %d characters", MaxSaveTitleRunes)
	}
	if r.Status != nil && !ValidSaveStatus(*r.Status) {
		return fmt.Errorf("unknown save status %q", *r.Status)
	}
	return nil
}
