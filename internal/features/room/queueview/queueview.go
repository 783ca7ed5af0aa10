package queueview

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hxnx/tuneroom/internal/listen"
	"github.com/hxnx/tuneroom/internal/music"
)

const (
	CustomIDPrefix = "listen_queue_page"
	DefaultPerPage = 10
	MaxPerPage     = 25
)

var accentColor = 0xC9A0FF

type PageInfo struct {
	Page       int
	PerPage    int
	TotalItems int
	TotalPages int
	StartIndex int
	EndIndex   int
}

// Paginate clamps page and perPage to what items allows.
func Paginate(total, page, perPage int) PageInfo {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = clamp(perPage, 1, MaxPerPage)
	totalPages := max(1, int(math.Ceil(float64(total)/float64(perPage))))
	page = clamp(page, 1, totalPages)

	start := (page - 1) * perPage
	return PageInfo{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: totalPages,
		StartIndex: start,
		EndIndex:   min(start+perPage, total),
	}
}

// PageFor returns the page that contains the current track.
func PageFor(snap listen.Snapshot, perPage int) int {
	info := Paginate(len(snap.Tracks), 1, perPage)
	if snap.Index < 0 {
		return 1
	}
	return snap.Index/info.PerPage + 1
}

// BuildQueueLines renders tracks [start, end) with the current one marked.
func BuildQueueLines(snap listen.Snapshot, info PageInfo) []string {
	lines := make([]string, 0, info.EndIndex-info.StartIndex)
	for i := info.StartIndex; i < info.EndIndex; i++ {
		marker := "  "
		if i == snap.Index {
			marker = "▶ "
		}
		lines = append(lines, fmt.Sprintf("%s%d. %s%s", marker, i+1, trackLabel(snap.Tracks[i]), durationSuffix(snap.Tracks[i])))
	}
	return lines
}

func BuildQueueComponents(snap listen.Snapshot, page int, perPage int) ([]discordgo.MessageComponent, PageInfo) {
	info := Paginate(len(snap.Tracks), page, perPage)

	listContent := "대기열이 비어 있습니다."
	if lines := BuildQueueLines(snap, info); len(lines) > 0 {
		listContent = strings.Join(lines, "\n")
	}

	divider := true
	spacing := discordgo.SeparatorSpacingSizeSmall

	components := []discordgo.MessageComponent{
		discordgo.Container{
			AccentColor: &accentColor,
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{Content: fmt.Sprintf("📋 **대기열** · 방 `%s`", snap.ID)},
				discordgo.TextDisplay{Content: fmt.Sprintf("페이지 **%d/%d** · 전체 **%d곡** · %s", info.Page, info.TotalPages, info.TotalItems, FormatDuration(music.TotalDuration(snap.Tracks)))},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.TextDisplay{Content: listContent},
				discordgo.Separator{Divider: &divider, Spacing: &spacing},
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Style:    discordgo.SecondaryButton,
							Label:    "이전",
							CustomID: MakeQueuePageCustomID(snap.ID, info.Page-1, info.PerPage),
							Disabled: info.Page <= 1,
						},
						discordgo.Button{
							Style:    discordgo.SecondaryButton,
							Label:    "다음",
							CustomID: MakeQueuePageCustomID(snap.ID, info.Page+1, info.PerPage),
							Disabled: info.Page >= info.TotalPages,
						},
					},
				},
			},
		},
	}

	return components, info
}

func MakeQueuePageCustomID(sessionID string, page int, perPage int) string {
	if page < 1 {
		page = 1
	}
	perPage = clamp(perPage, 1, MaxPerPage)
	return fmt.Sprintf("%s:%s:%d:%d", CustomIDPrefix, sessionID, page, perPage)
}

func ParseQueuePageCustomID(customID string) (sessionID string, page int, perPage int, ok bool) {
	if !strings.HasPrefix(customID, CustomIDPrefix+":") {
		return "", 0, 0, false
	}

	parts := strings.Split(customID, ":")
	if len(parts) != 4 || parts[1] == "" {
		return "", 0, 0, false
	}

	pageVal, err := strconv.Atoi(parts[2])
	if err != nil || pageVal < 1 {
		return "", 0, 0, false
	}

	perPageVal, err := strconv.Atoi(parts[3])
	if err != nil || perPageVal < 1 {
		return "", 0, 0, false
	}

	return parts[1], pageVal, clamp(perPageVal, 1, MaxPerPage), true
}

func trackLabel(t music.Track) string {
	title := strings.TrimSpace(t.DisplayName())
	if title == "" {
		title = "알 수 없는 제목"
	}
	return title
}

func durationSuffix(t music.Track) string {
	if t.Duration <= 0 {
		return ""
	}
	return " (" + FormatDuration(t.Duration) + ")"
}

// FormatDuration renders m:ss, or h:mm:ss past an hour.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total < 3600 {
		return fmt.Sprintf("%d:%02d", total/60, total%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
