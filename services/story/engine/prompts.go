// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/SamsaraWorks/RebirthBackend/services/story/datatypes"
)

// =============================================================================
// Prompt Templates
// =============================================================================

// The templates are Chinese because the product is: wishes, stories, and
// choices are all player-facing Chinese text, and the models follow the
// structural constraints far more reliably when the instructions share the
// language of the content.

// synopsisPromptTemplate produces the chapter title, backdrop, and main
// quest shown while the opening scene generates in the background.
const synopsisPromptTemplate = `你是一名顶级的沉浸式关卡设计师。请根据用户的重生愿望与历史设定，生成第一关的结构化元信息。

【背景设定参考】
{{.HistoryContext}}

请严格遵守以下要求：
1. 生成一个简洁有力且符合愿望主题的【关卡标题】（不超过20字）。
2. 生成【关卡背景设定】（120-180字），融合时代氛围、主要人物关系、冲突前景。
3. 生成清晰可执行的【主线任务】（1句话，不超过30字），明确玩家第一关的核心目标。

用户重生愿望："{{.Wish}}"

请严格输出以下 JSON 格式，且：
- 不要输出任何多余文字（包括解释、前后缀、自然语言）；
- 不要使用 Markdown 代码块或围栏；
- 仅输出纯 JSON 字符串：
{
  "level_title": "标题",
  "background": "背景设定",
  "main_quest": "主线任务"
}`

// nodePromptTemplate drives every story node, opening scene and
// continuation alike. The effects stay hidden: the options the player sees
// must read as natural actions with no numbers or risk wording, while each
// option's deltas ride along for the engine only.
const nodePromptTemplate = `你是一个严格遵守指令的交互叙事引擎。你的任务是基于历史设定继续讲述当前小节的剧情，并提供 3 个可供玩家选择的分支。

【历史设定参考】
{{.HistoryContext}}
{{- if .AnchorEvents}}

【关键锚点事件（按需引用）】
{{.AnchorEvents}}
{{- end}}

【当前进度】
当前章节：第 {{.ChapterNumber}} 章
目标总章节数：至少 {{.RecommendedChapters}} 章，未达目标前禁止让故事结束
{{- if .Choice}}
玩家的最新选择："{{.Choice}}"，请直接回应该选择，推动剧情进入新的阶段
{{- end}}

【创作要求】
1. 文本 220-320 字，画面感强，推进冲突或线索。
2. 选项必须自然流畅，不能是"标题+描述"的格式，而应该是完整的行动描述。
3. 选项中绝对禁止出现：百分比、数值、"成功率"、"风险"、"+/-"等任何量化表达。
4. 选项应该有创意、有趣、生动，避免死板正经的表述。
5. 必须返回 3 个不同风格的选项，且为每个选项提供"隐藏影响（effects）"供引擎使用：
   - delta_progress: int（范围建议：-3~+15）
   - delta_risk: int（范围建议：-5~+12）
   - delta_exposure: int（范围建议：-3~+10）
   - tags: string[]（可选）
6. 输出严格的 JSON 本体，不要使用 Markdown 代码块或多余文本。
7. 保持本章节画面连续性，使用下方的 continuity token。

【连续性令牌】
image_continuity_token: {{.ImageToken}}

【选项格式示例】
正确："假装醉酒接近守卫，趁其不备夺取钥匙"
错误："潜入行动 - 利用夜色掩护潜入敌营"
错误："直接进攻 +10% 成功率"

【输出 JSON 模板】（仅示意，务必返回与此结构完全一致的对象）
{
  "text": "此处为本小节的剧情文本……",
  "choices": [
    {
      "option": "假装醉酒接近守卫，趁其不备夺取钥匙",
      "summary": "冒险但可能有效的潜入方式",
      "effects": {
        "delta_progress": 8,
        "delta_risk": 4,
        "delta_exposure": 2,
        "tags": ["stealth", "deception"]
      }
    },
    {
      "option": "贿赂看守，用金钱换取通行",
      "summary": "相对安全但消耗资源的方法",
      "effects": {
        "delta_progress": 5,
        "delta_risk": -1,
        "delta_exposure": 1,
        "tags": ["diplomacy", "resources"]
      }
    },
    {
      "option": "等待换班时机，从侧门绕行进入",
      "summary": "谨慎观察后的稳妥选择",
      "effects": {
        "delta_progress": 3,
        "delta_risk": -2,
        "delta_exposure": -1,
        "tags": ["patience", "observation"]
      }
    }
  ],
  "image_prompts": [
    "写实古风 阴影与烛光 人物特写 张力增强",
    "同风格备用分镜"
  ],
  "image_continuity_token": "{{.ImageToken}}"
}`

// settlementPromptTemplate turns the chapter timeline into a recap plus a
// hook for the next chapter. Result and grade are already decided by the
// engine; the model only narrates them.
const settlementPromptTemplate = `你是一个剧情总结器。请基于给定的历史时间线，输出本章的复盘与下一章的引子。

【时间线（从早到晚）】
{{.TimelineBlock}}

【结果与评分】
- result: {{.Result}}
- grade: {{.Grade}}

【输出要求】
1. 仅输出一个 JSON 对象，不要包含任何多余文字或 Markdown 代码块。
2. 保持精炼有力，避免复述整段剧情原文，突出关键因果与代价。

【输出 JSON 模板】
{
  "chapter_summary": "80-140字，概述本章走向与内在逻辑",
  "timeline": [
    {"node": 1, "choice": "玩家的选择标题", "impact": "该选择的叙事化影响描述"}
  ],
  "key_impacts": ["关键转折1", "关键代价2"],
  "next_chapter_hook": "引人期待的下章引子（1句话）",
  "cover_image_prompt": "用于生成章末总结图的提示语"
}`

// repairPromptPrefix wraps a malformed model response for the one-shot
// repair call.
const repairPromptPrefix = `下面这段内容本应是一个 JSON 对象，但无法解析。请修复它：只输出修复后的 JSON 对象本体，保留原有的键和内容，不要添加任何解释、前后缀或 Markdown 代码块标记。

`

// strictJSONPreamble is the system message for the repair call. It is
// deliberately harsher than the default JSON preamble the resilient
// client injects.
const strictJSONPreamble = `你是一个JSON修复器。无论输入是什么，你的整个回答必须是且仅是一个合法的JSON对象。第一个字符必须是 { ，最后一个字符必须是 } 。`

var (
	synopsisTmpl   = template.Must(template.New("synopsis").Parse(synopsisPromptTemplate))
	nodeTmpl       = template.Must(template.New("node").Parse(nodePromptTemplate))
	settlementTmpl = template.Must(template.New("settlement").Parse(settlementPromptTemplate))
)

// =============================================================================
// Prompt Rendering
// =============================================================================

type synopsisPromptData struct {
	HistoryContext string
	Wish           string
}

type nodePromptData struct {
	HistoryContext      string
	AnchorEvents        string
	ChapterNumber       int
	RecommendedChapters int
	Choice              string
	ImageToken          string
}

type settlementPromptData struct {
	TimelineBlock string
	Result        string
	Grade         string
}

func renderPrompt(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// renderTimelineBlock formats the chapter timeline for the settlement
// prompt, oldest entry first.
func renderTimelineBlock(timeline []datatypes.TimelineEntry) string {
	if len(timeline) == 0 {
		return "（本章没有记录任何选择）"
	}
	var b strings.Builder
	for i, entry := range timeline {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. 第%d节 选择「%s」→ %s", i+1, entry.Node, entry.Choice, entry.Impact)
	}
	return b.String()
}
