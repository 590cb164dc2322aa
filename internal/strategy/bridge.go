package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tradebot/internal/marketdata"
)

// onTickMethod is the full method name of the external strategy
// service. Both sides exchange google.protobuf.Struct payloads; see
// proto/strategy.proto for the contract.
const onTickMethod = "/strategy.StrategyService/OnTick"

// Bridge forwards indicator snapshots to an external strategy service
// over gRPC. A call that errors or exceeds the timeout degrades to a
// hold signal so the trading loop never stalls on the remote side.
type Bridge struct {
	name    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewBridge connects to the external strategy service at addr.
func NewBridge(name, addr string, timeout time.Duration) (*Bridge, error) {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect strategy service %s: %w", addr, err)
	}
	return &Bridge{name: name, conn: conn, timeout: timeout}, nil
}

func (b *Bridge) Name() string { return b.name }

func (b *Bridge) OnIndicators(snap marketdata.Snapshot) Signal {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	fields := map[string]any{
		"symbol":    snap.Symbol,
		"price":     snap.Candle.Close,
		"timestamp": snap.Candle.OpenTime.UnixMilli(),
	}
	ind := map[string]any{}
	for k, v := range snap.Indicators {
		ind[k] = v
	}
	fields["indicators"] = ind

	req, err := structpb.NewStruct(fields)
	if err != nil {
		log.Printf("[Bridge] %s encode: %v", b.name, err)
		return Hold(snap.Symbol, "bridge encode error")
	}

	resp := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, onTickMethod, req, resp); err != nil {
		log.Printf("[Bridge] %s call failed, holding: %v", b.name, err)
		return Hold(snap.Symbol, "bridge unavailable")
	}

	m := resp.AsMap()
	sig := Signal{Action: ActionHold, Symbol: snap.Symbol}
	if a, ok := m["action"].(string); ok {
		switch Action(a) {
		case ActionBuy, ActionSell, ActionHold:
			sig.Action = Action(a)
		}
	}
	if s, ok := m["size"].(float64); ok {
		sig.Strength = clamp01(s)
	}
	if n, ok := m["note"].(string); ok {
		sig.Note = n
	}
	return sig
}

// GetState returns the bridge's local view; the remote service owns its
// own state.
func (b *Bridge) GetState() ([]byte, error) {
	return json.Marshal(struct{}{})
}

func (b *Bridge) SetState(data []byte) error { return nil }

// Close tears down the connection.
func (b *Bridge) Close() error { return b.conn.Close() }
