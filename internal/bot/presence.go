package bot

import (
	"fmt"
	"time"
)

const presenceUpdateInterval = 60 * time.Second

func (b *Bot) startPresenceUpdater() {
	if b.presenceStop != nil {
		return
	}
	b.presenceStop = make(chan struct{})
	stop := b.presenceStop
	go func() {
		ticker := time.NewTicker(presenceUpdateInterval)
		defer ticker.Stop()

		b.updatePresence()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.updatePresence()
			}
		}
	}()
}

func (b *Bot) stopPresenceUpdater() {
	if b.presenceStop == nil {
		return
	}
	close(b.presenceStop)
	b.presenceStop = nil
}

func presenceText(rooms, shard int) string {
	if rooms == 0 {
		return fmt.Sprintf("#%d샤드 · /listen create", shard)
	}
	return fmt.Sprintf("#%d샤드 · 청취 방 %d개", shard, rooms)
}

func (b *Bot) updatePresence() {
	rooms := b.manager.Count()
	for _, s := range b.sessions {
		shardNumber := max(1, s.ShardID+1)
		if err := s.UpdateListeningStatus(presenceText(rooms, shardNumber)); err != nil {
			b.logger.Debug("failed to update presence", "shard", shardNumber, "err", err)
		}
	}
}
