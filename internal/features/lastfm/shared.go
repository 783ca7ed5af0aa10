package lastfm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hxnx/tuneroom/internal/features/shared"
	"github.com/hxnx/tuneroom/internal/logger"
	"github.com/hxnx/tuneroom/internal/scrobble"
)

const requestTimeout = 15 * time.Second

// Linker is the account linking flow. *scrobble.Linker implements it.
type Linker interface {
	Begin(ctx context.Context, participantID string) (string, error)
	Confirm(ctx context.Context, participantID string) (scrobble.Credential, error)
	Unlink(ctx context.Context, participantID string) error
	Status(ctx context.Context, participantID string) (scrobble.Credential, error)
}

var _ Linker = (*scrobble.Linker)(nil)

// Service answers /lastfm commands. A nil Linker means Last.fm keys are
// not configured.
type Service struct {
	Linker Linker
}

func (svc *Service) Link(cc shared.CommandContext) {
	svc.run(cc, func(ctx context.Context, id string) string {
		authURL, err := svc.Linker.Begin(ctx, id)
		if err != nil {
			return describe(err)
		}
		return fmt.Sprintf("[Last.fm에서 권한을 허용](%s)한 뒤 `/lastfm confirm`을 입력해 주세요. 링크는 10분 동안 유효합니다.", authURL)
	})
}

func (svc *Service) Confirm(cc shared.CommandContext) {
	svc.run(cc, func(ctx context.Context, id string) string {
		cred, err := svc.Linker.Confirm(ctx, id)
		if err != nil {
			return describe(err)
		}
		return fmt.Sprintf("Last.fm 계정 **%s**을(를) 연결했습니다. 이제 청취 방에서 들은 곡이 기록됩니다.", cred.Username)
	})
}

func (svc *Service) Unlink(cc shared.CommandContext) {
	svc.run(cc, func(ctx context.Context, id string) string {
		if err := svc.Linker.Unlink(ctx, id); err != nil {
			return describe(err)
		}
		return "Last.fm 계정 연결을 해제했습니다."
	})
}

func (svc *Service) Status(cc shared.CommandContext) {
	svc.run(cc, func(ctx context.Context, id string) string {
		cred, err := svc.Linker.Status(ctx, id)
		if err != nil {
			return describe(err)
		}
		return fmt.Sprintf("연결된 계정: **%s** (<t:%d:R> 연결)", cred.Username, cred.LinkedAt.Unix())
	})
}

func (svc *Service) run(cc shared.CommandContext, fn func(ctx context.Context, participantID string) string) {
	if svc.Linker == nil {
		cc.Reply(describe(scrobble.ErrNotConfigured))
		return
	}

	cc.Defer()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cc.Reply(fn(ctx, cc.User().ID))
}

func describe(err error) string {
	var apiErr *scrobble.APIError
	switch {
	case errors.Is(err, scrobble.ErrNotConfigured):
		return "이 봇에는 Last.fm 연동이 설정되어 있지 않습니다."
	case errors.Is(err, scrobble.ErrNotLinked):
		return "연결된 Last.fm 계정이 없습니다. `/lastfm link`로 연결해 주세요."
	case errors.Is(err, scrobble.ErrNoPendingLink):
		return "진행 중인 연결 요청이 없습니다. `/lastfm link`부터 시작해 주세요."
	case errors.Is(err, scrobble.ErrLinkExpired):
		return "연결 요청이 만료되었습니다. `/lastfm link`로 다시 시도해 주세요."
	case errors.As(err, &apiErr) && apiErr.Unauthorized():
		return "아직 Last.fm에서 권한이 허용되지 않았습니다. 링크에서 허용한 뒤 다시 시도해 주세요."
	case errors.As(err, &apiErr) && apiErr.Temporary():
		return "Last.fm이 일시적으로 응답하지 않습니다. 잠시 후 다시 시도해 주세요."
	default:
		logger.WithComponent("lastfm").Error("lastfm command failed", "err", err)
		return "Last.fm 요청에 실패했습니다."
	}
}
