package ws

import (
	"context"
	"errors"
	"io"
	"log"

	"autosupport.dev/internal/protocol"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/autosupport/grouping"
	"autosupport.dev/internal/sim/autosupport/materialize"
	"autosupport.dev/internal/sim/autosupport/payment"
	"autosupport.dev/internal/sim/autosupport/plan"
	"autosupport.dev/internal/sim/host"
)

// Bridge applies tool envelopes to the service. It must run on the goroutine that owns the
// service.
type Bridge struct {
	svc       *autosupport.Service
	consumers func(actor string) payment.Consumer
	log       *log.Logger
}

func NewBridge(svc *autosupport.Service, consumers func(actor string) payment.Consumer, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bridge{svc: svc, consumers: consumers, log: logger}
}

func (b *Bridge) Handle(ctx context.Context, env Envelope) {
	tick := b.svc.CurrentTick()
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          env.Req.ReqID,
		ServerTick:      tick,
	}

	switch env.Type {
	case protocol.TypeToolEquip:
		b.svc.SetToolState(host.ToolState{Equipped: true, Mode: env.Tool.Mode, Actor: env.Actor})
		ack.AckFor = env.Type
		ack.Accepted = true

	case protocol.TypeToolUnequip:
		cur := b.svc.Groups().ToolState()
		if cur.Equipped && cur.Actor != "" && cur.Actor != env.Actor {
			// Someone else holds the tool; nothing to release.
			ack.AckFor = env.Type
			ack.Accepted = true
			break
		}
		b.svc.SetToolState(host.ToolState{Mode: cur.Mode, Actor: env.Actor})
		ack.AckFor = env.Type
		ack.Accepted = true

	case protocol.TypeToolMode:
		cur := b.svc.Groups().ToolState()
		b.svc.SetToolState(host.ToolState{Equipped: cur.Equipped, Mode: env.Tool.Mode, Actor: env.Actor})
		ack.AckFor = env.Type
		ack.Accepted = true

	case protocol.TypePlan:
		placements, p, err := b.svc.Preview(ctx, env.Req.Building)
		if err != nil {
			ack.Code, ack.Message = codeFor(err, nil), err.Error()
			break
		}
		env.Reply(planResult(env.Req, p, placements))
		return

	case protocol.TypeBuild:
		c := b.consumers(env.Actor)
		proxy, p, err := b.svc.Build(ctx, env.Req.Building, c)
		if err != nil {
			ack.Code, ack.Message = codeFor(err, p), err.Error()
			if p != nil {
				ack.Cost = p.Cost
			}
			break
		}
		ack.Accepted = true
		ack.Grouping = proxy.ID().String()
		ack.Cost = p.Cost

	case protocol.TypeDismantle:
		c := b.consumers(env.Actor)
		gp, err := b.svc.Grouping(env.Req.Grouping)
		if err != nil {
			ack.Code, ack.Message = codeFor(err, nil), err.Error()
			break
		}
		cost := gp.Cost()
		if err := b.svc.Dismantle(ctx, env.Req.Grouping, c); err != nil {
			ack.Code, ack.Message = codeFor(err, nil), err.Error()
			break
		}
		ack.Accepted = true
		ack.Grouping = env.Req.Grouping
		ack.Cost = cost

	default:
		ack.Code = protocol.ErrBadRequest
	}

	if ack.Code != "" {
		b.log.Printf("%s %s from %s refused: %s", env.Type, env.Req.ReqID, env.Actor, ack.Code)
	}
	env.Reply(ack)
}

// codeFor maps a service error to a wire code. A refused plan reports its first
// disqualifier.
func codeFor(err error, p *plan.Plan) string {
	switch {
	case errors.Is(err, autosupport.ErrUnknownBuilding):
		return protocol.ErrUnknownBuilding
	case errors.Is(err, autosupport.ErrUnknownGrouping), errors.Is(err, grouping.ErrDestroyed):
		return protocol.ErrUnknownGrouping
	case errors.Is(err, grouping.ErrInFlight):
		return protocol.ErrRediscovering
	case errors.Is(err, payment.ErrInsufficient):
		return protocol.ErrInsufficientMaterials
	case errors.Is(err, materialize.ErrNotActionable):
		if p != nil && len(p.Disqualifiers) > 0 {
			return string(p.Disqualifiers[0])
		}
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}

func planResult(req protocol.RequestMsg, p *plan.Plan, placements []materialize.Placement) protocol.PlanResultMsg {
	out := protocol.PlanResultMsg{
		Type:            protocol.TypePlanResult,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Building:        req.Building,
		Actionable:      p.Actionable(),
		Distance:        p.Distance,
		Cost:            p.Cost,
		Parts:           []protocol.PlanPart{},
	}
	for _, c := range p.Disqualifiers {
		out.Disqualifiers = append(out.Disqualifiers, string(c))
	}
	for _, s := range []*plan.PartSpec{&p.Start, &p.Middle, &p.End} {
		if !s.Specified() {
			continue
		}
		out.Parts = append(out.Parts, protocol.PlanPart{
			Role:       s.Role.String(),
			Descriptor: s.Descriptor,
			Count:      s.Count,
			Skipped:    s.Skipped,
		})
	}
	for _, pl := range placements {
		r := pl.Transform.Rotation
		out.Preview = append(out.Preview, protocol.PreviewPart{
			Role:       pl.Role.String(),
			Descriptor: pl.Descriptor,
			Class:      pl.Class,
			Pos:        pl.Transform.Location,
			Rot:        [4]float64{r.W, r.V[0], r.V[1], r.V[2]},
		})
	}
	return out
}
