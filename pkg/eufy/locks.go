package eufy

import (
	"fmt"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
)

// handleLockResult matches the secondary response of a lock command. Every command
// waiting on the channel is tried with its own key, only a result with the issued
// sequence number and not seen before resolves it.
func (s *Session) handleLockResult(msg *cs2.Message, payload []byte) {
	f, err := lock.ParseFrame(payload)
	if err != nil {
		s.malformed(msg, err)
		return
	}

	items := s.disp.waitingLock(msg.Channel)

	var lastErr error

	for _, e := range items {
		if e.lock.command != f.Command {
			continue
		}

		plain, err := crypto.DecryptCBC(e.lock.key, e.lock.iv, f.Body)
		if err != nil {
			lastErr = err
			continue
		}

		res, err := lock.ParseResult(plain)
		if err != nil {
			lastErr = err
			continue
		}

		if res.Seq != e.lock.seq {
			continue
		}

		if !s.guard.AcceptLockResult(res.Seq) {
			s.log.Warn().Uint32("seq", res.Seq).Msg("[eufy] lock result replay")
			return
		}

		s.disp.finishLock(e, res)
		return
	}

	if lastErr != nil && len(items) == 1 {
		s.disp.fail(items[0], StatusDecryption, fmt.Errorf("%w: %w", ErrDecryptionFailure, lastErr))
		return
	}

	s.log.Debug().Stringer("msg", msg).Int("waiting", len(items)).Msg("[eufy] unmatched lock result")
}
