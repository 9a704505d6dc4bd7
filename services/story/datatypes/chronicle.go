// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the story service.
//
// This file contains the chronicle (run history) and save response
// shapes. Node content in these responses is already display-shaped:
// the handlers sanitize before building them.
package datatypes

import "time"

// SessionSummary is one row in the player's run list.
type SessionSummary struct {
	ID        int64     `json:"id"`
	Wish      string    `json:"wish"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeDetail is one confirmed beat in a session's history. ChapterNumber
// is the node's position in the confirmed chain, recomputed at read time.
type NodeDetail struct {
	ID            int64           `json:"id"`
	StoryText     string          `json:"story_text"`
	ImageURL      string          `json:"image_url"`
	UserChoice    *string         `json:"user_choice"`
	Choices       []DisplayChoice `json:"choices"`
	ChapterNumber int             `json:"chapter_number"`
}

// SessionDetail is a full run readout: the session plus its confirmed
// nodes in play order. Speculative nodes are excluded so the player
// cannot read branches they have not chosen.
type SessionDetail struct {
	ID        int64        `json:"id"`
	Wish      string       `json:"wish"`
	CreatedAt time.Time    `json:"created_at"`
	Nodes     []NodeDetail `json:"nodes"`
}

// SaveSummary is a bookmark row without the node content.
type SaveSummary struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	NodeID    int64     `json:"node_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveDetail is a bookmark with the saved node rendered as a segment,
// ready for the client to resume from.
type SaveDetail struct {
	SaveSummary
	Node StorySegment `json:"node"`
}
