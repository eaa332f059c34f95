package routes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/allowance/internal/correlator"
	"github.com/congo-pay/allowance/internal/notification"
	"github.com/congo-pay/allowance/internal/poller"
)

const notifyTimeout = 5 * time.Second

// linkNotifications publishes poller transitions. Handlers run under the
// session lock, so delivery happens on its own goroutine.
func linkNotifications(n notification.Notifier, logger *slog.Logger) poller.Handlers {
	send := func(kind string, lookup correlator.Lookup) {
		sw := lookup.SubWallet
		msg := notification.Message{
			Kind:        kind,
			Destination: sw.DependentAddress.Hex(),
			Body:        fmt.Sprintf("Sub-wallet %d on %s is %s", sw.ID, sw.Wallet.Hex(), kindState(kind)),
			Attributes: map[string]string{
				"wallet":        sw.Wallet.Hex(),
				"sub_wallet_id": fmt.Sprint(sw.ID),
				"ambiguous":     fmt.Sprint(lookup.Ambiguous),
			},
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.Send(ctx, msg); err != nil {
				logger.Warn("link notification failed", slog.String("kind", kind), slog.Any("error", err))
			}
		}()
	}
	return poller.Handlers{
		OnLinked:  func(l correlator.Lookup) { send(notification.KindSubWalletLinked, l) },
		OnRevoked: func(l correlator.Lookup) { send(notification.KindSubWalletRevoked, l) },
	}
}

func kindState(kind string) string {
	if kind == notification.KindSubWalletRevoked {
		return "revoked"
	}
	return "active"
}
