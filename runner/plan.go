package runner

import (
	"sort"

	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/subject"
)

// Target is a mailbox message selected for the archive, keyed by the
// deterministic ID of its normalized subject.
type Target struct {
	ID      string
	Ref     uint32
	Subject string
}

// Plan is the difference between the mailbox and the archive folder set.
type Plan struct {
	// ToDelete are local entries whose message no longer exists.
	ToDelete []string
	// ToDownload is this run's batch, newest message first.
	ToDownload []Target
	// ToKeep are local entries that stay untouched.
	ToKeep []string
	// Deferred are missing entries beyond the batch size.
	Deferred []Target
}

// Collect derives the valid targets from scanned headers in mailbox order.
// Messages rejected by allow are dropped. When two messages share a normalized
// subject the later one wins. The result is ordered by Ref and the number of
// rejected headers is returned alongside.
func Collect(headers []model.Header, allow func([]byte) bool) ([]Target, int) {
	byID := make(map[string]Target, len(headers))
	filtered := 0
	for _, h := range headers {
		if allow != nil && !allow(h.Raw) {
			filtered++
			continue
		}
		title := subject.Normalize(content.HeaderSubject(h.Raw))
		id := subject.ID(title)
		byID[id] = Target{ID: id, Ref: h.Ref, Subject: title}
	}

	targets := make([]Target, 0, len(byID))
	for _, t := range byID {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Ref < targets[j].Ref
	})
	return targets, filtered
}

// Reconcile computes the plan for the valid targets against the local entry
// IDs. batch limits ToDownload; zero or less means unlimited.
func Reconcile(valid []Target, local []string, batch int) Plan {
	validIDs := make(map[string]bool, len(valid))
	for _, t := range valid {
		validIDs[t.ID] = true
	}
	localIDs := make(map[string]bool, len(local))
	for _, id := range local {
		localIDs[id] = true
	}

	var plan Plan
	for _, id := range local {
		if validIDs[id] {
			plan.ToKeep = append(plan.ToKeep, id)
		} else {
			plan.ToDelete = append(plan.ToDelete, id)
		}
	}
	sort.Strings(plan.ToKeep)
	sort.Strings(plan.ToDelete)

	var missing []Target
	for _, t := range valid {
		if !localIDs[t.ID] {
			missing = append(missing, t)
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		return missing[i].Ref > missing[j].Ref
	})

	if batch > 0 && len(missing) > batch {
		plan.ToDownload = missing[:batch]
		plan.Deferred = missing[batch:]
	} else {
		plan.ToDownload = missing
	}
	return plan
}
