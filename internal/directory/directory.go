package directory

import (
	"context"

	"qfit-chat/internal/domain"
	"qfit-chat/internal/store"
	"qfit-chat/pkg/logger"
)

// GroupLister is the slice of the REST client the directory needs.
type GroupLister interface {
	UserGroups(ctx context.Context, email string) ([]domain.Group, error)
}

// GroupSummary is one row of the chat list screen: group metadata plus
// a preview of the latest locally cached message.
type GroupSummary struct {
	domain.Group
	LatestSender string
	LatestBody   string
}

const (
	previewSender = "System"
	previewEmpty  = "No messages yet"
)

// Directory builds the group list read model: the user's groups from
// the backend, each decorated with its latest cached message.
type Directory struct {
	api   GroupLister
	store store.MessageStore
	log   *logger.Logger
}

func New(api GroupLister, st store.MessageStore, log *logger.Logger) *Directory {
	return &Directory{api: api, store: st, log: log}
}

// UserGroups lists the user's groups with latest-message previews. A
// cache failure degrades the preview, never the listing.
func (d *Directory) UserGroups(ctx context.Context, email string) ([]GroupSummary, error) {
	groups, err := d.api.UserGroups(ctx, email)
	if err != nil {
		return nil, err
	}

	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		summary := GroupSummary{Group: g, LatestSender: previewSender, LatestBody: previewEmpty}
		msgs, err := d.store.Load(ctx, g.ID)
		if err != nil {
			d.log.Warnf("loading preview for group %s failed: %v", g.ID, err)
		} else if len(msgs) > 0 {
			latest := msgs[len(msgs)-1]
			summary.LatestSender = latest.SenderName
			summary.LatestBody = latest.Body
		}
		out = append(out, summary)
	}
	return out, nil
}
