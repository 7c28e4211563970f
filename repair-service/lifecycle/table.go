package lifecycle

import (
	"fadedreams/repairhub/repair-service/domain"
)

// relation is how the acting account must relate to the request.
type relation int

const (
	// unassigned: any repairer, request must have no repairer yet
	unassigned relation = iota
	// assigned: the repairer holding the request
	assigned
	// owner: the customer who posted the request
	owner
	// internal: system-initiated transitions
	internal
)

type effect int

const (
	effectAssign effect = iota
	effectSetPrice
	effectOpenConversation
	effectAcceptedSMS
	effectCompletionOTP
	effectRedFlag
	effectRejectionFee
	effectJobPayment
)

// rule is one row of the transition table.
type rule struct {
	from     []domain.Status
	to       domain.Status
	actor    domain.ActorKind
	relation relation
	guards   []guard
	stamps   []domain.Stamp
	effects  []effect
	notify   []notice
}

// notice is a notification sent after commit. recipient is the actor kind
// whose account on the request receives it.
type notice struct {
	recipient domain.ActorKind
	kind      domain.NotificationType
	text      string
}

func statuses(s ...domain.Status) []domain.Status { return s }

var table = []rule{
	{
		from:     statuses(domain.StatusRequested),
		to:       domain.StatusAccepted,
		actor:    domain.ActorRepairer,
		relation: unassigned,
		guards:   []guard{repairerNotBanned},
		stamps:   []domain.Stamp{domain.StampAssigned, domain.StampAccepted},
		effects:  []effect{effectAssign, effectOpenConversation, effectAcceptedSMS},
		notify: []notice{
			{domain.ActorUser, domain.NotifyJobAccepted, "A repairer accepted your request for %s"},
		},
	},
	{
		from:     statuses(domain.StatusRequested),
		to:       domain.StatusPendingQuote,
		actor:    domain.ActorRepairer,
		relation: unassigned,
		guards:   []guard{repairerNotBanned},
		stamps:   []domain.Stamp{domain.StampAssigned},
		effects:  []effect{effectAssign},
		notify: []notice{
			{domain.ActorUser, domain.NotifyQuoteRequested, "A repairer is preparing a quote for %s"},
		},
	},
	{
		from:     statuses(domain.StatusPendingQuote, domain.StatusQuoted),
		to:       domain.StatusQuoted,
		actor:    domain.ActorRepairer,
		relation: assigned,
		guards:   []guard{priceWithinQuotation},
		effects:  []effect{effectSetPrice},
		notify: []notice{
			{domain.ActorUser, domain.NotifyQuoteSubmitted, "You received a quote for %s"},
		},
	},
	{
		from:     statuses(domain.StatusQuoted),
		to:       domain.StatusAccepted,
		actor:    domain.ActorUser,
		relation: owner,
		guards:   []guard{priceSet},
		stamps:   []domain.Stamp{domain.StampAccepted},
		effects:  []effect{effectOpenConversation},
		notify: []notice{
			{domain.ActorRepairer, domain.NotifyQuoteAccepted, "Your quote for %s was accepted"},
		},
	},
	{
		from:     statuses(domain.StatusQuoted),
		to:       domain.StatusRejected,
		actor:    domain.ActorUser,
		relation: owner,
		guards:   []guard{priceSet},
		effects:  []effect{effectRedFlag, effectRejectionFee},
		notify: []notice{
			{domain.ActorRepairer, domain.NotifyQuoteRejected, "Your quote for %s was rejected"},
		},
	},
	{
		from:     statuses(domain.StatusAccepted),
		to:       domain.StatusInProgress,
		actor:    domain.ActorRepairer,
		relation: assigned,
		notify: []notice{
			{domain.ActorUser, domain.NotifyJobStarted, "Work on %s has started"},
		},
	},
	{
		from:     statuses(domain.StatusAccepted, domain.StatusInProgress, domain.StatusQuoted),
		to:       domain.StatusCompleted,
		actor:    domain.ActorRepairer,
		relation: assigned,
		stamps:   []domain.Stamp{domain.StampCompleted},
		notify: []notice{
			{domain.ActorUser, domain.NotifyJobCompleted, "Your request for %s was marked completed"},
		},
	},
	{
		from:     statuses(domain.StatusAccepted, domain.StatusInProgress, domain.StatusPendingOTP),
		to:       domain.StatusPendingOTP,
		actor:    domain.ActorRepairer,
		relation: assigned,
		stamps:   []domain.Stamp{domain.StampOTPSent},
		effects:  []effect{effectCompletionOTP},
		notify: []notice{
			{domain.ActorUser, domain.NotifyCompletionOTP, "A completion code for %s was sent to your phone"},
		},
	},
	{
		from: statuses(domain.StatusAccepted, domain.StatusInProgress, domain.StatusPendingQuote,
			domain.StatusQuoted, domain.StatusRequested),
		to:       domain.StatusCancelled,
		actor:    domain.ActorUser,
		relation: owner,
		stamps:   []domain.Stamp{domain.StampCancelled},
		notify: []notice{
			{domain.ActorRepairer, domain.NotifyJobCancelled, "The customer cancelled the request for %s"},
		},
	},
	{
		from:     statuses(domain.StatusAccepted, domain.StatusInProgress, domain.StatusPendingOTP),
		to:       domain.StatusPendingPayment,
		actor:    domain.ActorUser,
		relation: owner,
		guards:   []guard{priceSet},
		effects:  []effect{effectJobPayment},
		notify: []notice{
			{domain.ActorRepairer, domain.NotifyPaymentDue, "The customer started paying for %s"},
		},
	},
	{
		from:     statuses(domain.StatusPendingOTP),
		to:       domain.StatusCompleted,
		actor:    domain.ActorSystem,
		relation: internal,
		stamps:   []domain.Stamp{domain.StampCompleted},
		notify: []notice{
			{domain.ActorUser, domain.NotifyJobCompleted, "Your request for %s is completed"},
			{domain.ActorRepairer, domain.NotifyJobCompleted, "The completion code for %s was verified"},
		},
	},
	{
		from:     statuses(domain.StatusPendingPayment),
		to:       domain.StatusCompleted,
		actor:    domain.ActorSystem,
		relation: internal,
		stamps:   []domain.Stamp{domain.StampCompleted},
		notify: []notice{
			{domain.ActorUser, domain.NotifyJobCompleted, "Payment received, your request for %s is completed"},
			{domain.ActorRepairer, domain.NotifyPaymentReceived, "Payment for %s was received"},
		},
	},
}

// lookup returns the rule for from -> to by actor, if any.
func lookup(from, to domain.Status, actor domain.ActorKind) (rule, bool) {
	for _, r := range table {
		if r.to != to || r.actor != actor {
			continue
		}
		for _, f := range r.from {
			if f == from {
				return r, true
			}
		}
	}
	return rule{}, false
}

func (r rule) has(e effect) bool {
	for _, x := range r.effects {
		if x == e {
			return true
		}
	}
	return false
}

// Allowed reports whether actor may move a request from one status to another.
func Allowed(from, to domain.Status, actor domain.ActorKind) bool {
	_, ok := lookup(from, to, actor)
	return ok
}
