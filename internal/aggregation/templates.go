package aggregation

import (
	"fmt"

	"github.com/brightfeed/notify/internal/events"
)

// MaxNamedActors caps how many distinct actors a bucket stores ids and
// display names for. Overflow actors still count toward the totals.
const MaxNamedActors = 10

// maxRenderedActors is how many display names appear in the rendered text;
// the rest collapse into the "others" tail.
const maxRenderedActors = 2

// RenderTitle returns the short title for a single-event notification.
// Aggregated rows carry the rendered actor line as their title instead.
func RenderTitle(t events.EventType) string {
	switch t {
	case events.TypeLike:
		return "New like on your post"
	case events.TypeComment:
		return "New comment on your post"
	case events.TypeFollow:
		return "New follower"
	case events.TypeMention:
		return "You were mentioned"
	case events.TypeBellPost:
		return "New post"
	default:
		return "New notification"
	}
}

// RenderMessage returns the notification text, naming up to two actors.
// totalActors is the number of distinct actors collapsed into the
// notification, which may exceed the names available.
func RenderMessage(t events.EventType, actorNames []string, totalActors int) string {
	named := make([]string, 0, maxRenderedActors)
	for _, n := range actorNames {
		if n == "" {
			continue
		}
		named = append(named, n)
		if len(named) == maxRenderedActors {
			break
		}
	}
	if totalActors < len(named) {
		totalActors = len(named)
	}
	if totalActors < 1 {
		totalActors = 1
	}

	lead := "Someone"
	counted := 1
	switch len(named) {
	case 1:
		lead = named[0]
	case 2:
		counted = 2
		if totalActors == 2 {
			lead = named[0] + " and " + named[1]
		} else {
			lead = named[0] + ", " + named[1]
		}
	}

	verb := verbFor(t)
	others := totalActors - counted
	switch {
	case others <= 0:
		return lead + " " + verb
	case others == 1:
		return lead + " and 1 other " + verb
	default:
		return fmt.Sprintf("%s and %d others %s", lead, others, verb)
	}
}

func verbFor(t events.EventType) string {
	switch t {
	case events.TypeLike:
		return "liked your post"
	case events.TypeComment:
		return "commented on your post"
	case events.TypeFollow:
		return "started following you"
	case events.TypeMention:
		return "mentioned you"
	case events.TypeBellPost:
		return "published a new post"
	default:
		return "sent you a notification"
	}
}
