// Package ordermatch is the sample acceptor application: it acknowledges
// NewOrderSingle messages with ExecutionReports. It exists to exercise the
// engine end to end; real order flow belongs in the gateway sitting on
// top of the engine.
package ordermatch

import (
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fixengine/pkg/fix/field"
	"fixengine/pkg/fix/session"
	"fixengine/pkg/fix/tag"
	"fixengine/pkg/fix/tagvalue"
)

const (
	msgTypeNewOrderSingle  = "D"
	msgTypeExecutionReport = "8"
)

// Order is one accepted order.
type Order struct {
	ID       string
	ClOrdID  string
	Symbol   string
	Side     byte
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Application acknowledges inbound orders on every registered session.
type Application struct {
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	orders   map[string]*Order
	execID   int
}

// NewApplication builds the sample application.
func NewApplication(log *zap.Logger) *Application {
	if log == nil {
		log = zap.NewNop()
	}
	return &Application{
		log:      log.Named("ordermatch"),
		sessions: make(map[string]*session.Session),
		orders:   make(map[string]*Order),
	}
}

// Register makes a session addressable for outbound reports.
func (a *Application) Register(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID()] = s
}

// OnLogon implements session.Application.
func (a *Application) OnLogon(sessionID string) {
	a.log.Info("session active", zap.String("session", sessionID))
}

// OnLogout implements session.Application.
func (a *Application) OnLogout(sessionID string, reason string) {
	a.log.Info("session closed", zap.String("session", sessionID), zap.String("reason", reason))
}

// OnMessage implements session.Application.
func (a *Application) OnMessage(sessionID string, msg *tagvalue.Message) {
	if msg.MsgType() != msgTypeNewOrderSingle {
		a.log.Debug("ignoring message",
			zap.String("session", sessionID),
			zap.String("msg_type", msg.MsgType()))
		return
	}
	order, err := parseOrder(msg)
	if err != nil {
		a.log.Warn("unparseable order", zap.String("session", sessionID), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.execID++
	order.ID = strconv.Itoa(a.execID)
	a.orders[order.ID] = order
	s := a.sessions[sessionID]
	a.mu.Unlock()
	if s == nil {
		return
	}

	if err := s.Send(a.acceptReport(order)); err != nil {
		a.log.Error("execution report failed",
			zap.String("session", sessionID),
			zap.String("order", order.ID),
			zap.Error(err))
	}
}

func parseOrder(msg *tagvalue.Message) (*Order, error) {
	order := &Order{}
	var err error

	if v, ok := msg.Get(tag.ClOrdID); ok {
		order.ClOrdID = string(v)
	}
	if v, ok := msg.Get(tag.Symbol); ok {
		order.Symbol = string(v)
	}
	if v, ok := msg.Get(tag.Side); ok {
		if order.Side, err = field.Char(tag.Side, v); err != nil {
			return nil, err
		}
	}
	if v, ok := msg.Get(tag.Price); ok {
		if order.Price, err = field.Decimal(tag.Price, v); err != nil {
			return nil, err
		}
	}
	if v, ok := msg.Get(tag.OrderQty); ok {
		if order.Quantity, err = field.Decimal(tag.OrderQty, v); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// acceptReport builds the ExecutionReport acknowledging a new order.
func (a *Application) acceptReport(order *Order) []tagvalue.Field {
	return []tagvalue.Field{
		tagvalue.StringField(tag.MsgType, msgTypeExecutionReport),
		tagvalue.StringField(tag.OrderID, order.ID),
		tagvalue.StringField(tag.ClOrdID, order.ClOrdID),
		tagvalue.StringField(tag.ExecID, order.ID),
		tagvalue.StringField(tag.ExecType, "0"),
		tagvalue.StringField(tag.OrdStatus, "0"),
		tagvalue.StringField(tag.Symbol, order.Symbol),
		tagvalue.Field{Tag: tag.Side, Value: []byte{order.Side}},
		tagvalue.StringField(tag.OrderQty, order.Quantity.String()),
		tagvalue.StringField(tag.Price, order.Price.String()),
		tagvalue.StringField(tag.LeavesQty, order.Quantity.String()),
		tagvalue.StringField(tag.CumQty, "0"),
		tagvalue.StringField(tag.AvgPx, "0"),
	}
}
