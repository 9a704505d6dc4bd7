// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history grounds rebirth wishes in historical figure profiles.
//
// The profile table is baked into the binary via go:embed so the figure
// data travels with the executable and cannot drift from the code that
// interprets it. A wish that names a known figure (李世民, 项羽, 刘邦)
// binds to that figure's curated profile; anything else falls back to the
// generic history theme with the wish itself as the role name, so story
// generation always has a usable scaffold.
package history

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// profilesYAML holds the raw bytes of profiles.yaml, populated at compile
// time. Pass directly to yaml.Unmarshal.
//
//go:embed profiles.yaml
var profilesYAML []byte

const (
	// genericThemeName is the theme used when no figure matches a wish.
	genericThemeName = "历史"

	// unknownFigureName stands in for an empty wish in the fallback path.
	unknownFigureName = "未知的历史人物"

	defaultChapterCount = 9
)

// Profile describes the historical grounding for one rebirth story: who
// the player becomes, when, and which canonical events the narrative
// should orbit.
type Profile struct {
	Name                    string   `yaml:"name" json:"name"`
	Era                     string   `yaml:"era" json:"era"`
	Personas                []string `yaml:"personas" json:"personas"`
	Anchors                 []string `yaml:"anchors" json:"anchors"`
	PrimaryConflicts        []string `yaml:"primary_conflicts" json:"primary_conflicts"`
	RecommendedChapterCount int      `yaml:"recommended_chapter_count" json:"recommended_chapter_count"`
}

// profileTable mirrors the layout of the embedded profiles.yaml file.
// Figures are kept as an ordered slice so substring matching walks them
// in declaration order.
type profileTable struct {
	Figures []Profile `yaml:"figures"`
	Themes  []Profile `yaml:"themes"`
}

var (
	tableOnce sync.Once
	table     profileTable
)

func profiles() profileTable {
	tableOnce.Do(func() {
		if err := yaml.Unmarshal(profilesYAML, &table); err != nil {
			// The table is embedded at build time, so a parse failure is a
			// build defect. Keep serving via the built-in fallbacks.
			slog.Error("embedded history profile table failed to parse", "error", err)
			table = profileTable{}
		}
	})
	return table
}

// BuildProfile resolves the historical grounding for a rebirth wish.
//
// Known figures are matched by substring in table order, so a wish like
// "重生为李世民，改写玄武门" binds to the 李世民 profile. A wish naming no
// known figure gets the generic history theme with the wish itself as the
// role name; an empty wish gets 未知的历史人物.
func BuildProfile(wish string) Profile {
	wish = strings.TrimSpace(wish)
	t := profiles()

	for _, fig := range t.Figures {
		if fig.Name != "" && strings.Contains(wish, fig.Name) {
			return fig.withDefaults()
		}
	}

	theme := t.theme(genericThemeName)
	theme.Name = wish
	if theme.Name == "" {
		theme.Name = unknownFigureName
	}
	return theme.withDefaults()
}

// ContextBlock renders the profile as the prompt fragment fed to synopsis
// and chapter generation.
func (p Profile) ContextBlock() string {
	lines := []string{
		"角色定位：" + p.Name,
		"所属时代：" + p.Era,
		"人物特质：" + strings.Join(p.Personas, "；"),
		"关键历史锚点：" + strings.Join(p.Anchors, "；"),
		"主要矛盾：" + strings.Join(p.PrimaryConflicts, "；"),
		fmt.Sprintf("推荐章节总数：至少 %d 章", p.RecommendedChapterCount),
	}
	return strings.Join(lines, "\n")
}

// withDefaults fills any field the profile table left empty so prompt
// rendering never emits blank lines.
func (p Profile) withDefaults() Profile {
	if p.Name == "" {
		p.Name = "未知角色"
	}
	if p.Era == "" {
		p.Era = "未知时代"
	}
	if len(p.Personas) == 0 {
		p.Personas = []string{"神秘旅者"}
	}
	if len(p.Anchors) == 0 {
		p.Anchors = []string{"寻找关键历史事件"}
	}
	if len(p.PrimaryConflicts) == 0 {
		p.PrimaryConflicts = []string{"创造一个与众不同的篇章"}
	}
	if p.RecommendedChapterCount <= 0 {
		p.RecommendedChapterCount = defaultChapterCount
	}
	return p
}

// theme returns the named theme, the first theme when the name is absent,
// or a zero Profile when the table carries no themes at all.
func (t profileTable) theme(name string) Profile {
	for _, th := range t.Themes {
		if th.Name == name {
			th.Name = ""
			return th
		}
	}
	if len(t.Themes) > 0 {
		th := t.Themes[0]
		th.Name = ""
		return th
	}
	return Profile{}
}
