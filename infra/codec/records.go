package codec

import (
	"fmt"

	"hydra/domain/orderbook"
)

const (
	kindMarket = 1
	kindLimit  = 2
	kindIOC    = 3
)

// ---- order ----

func AppendOrder(b []byte, o *orderbook.Order) []byte {
	b = AppendUint(b, 1, o.ID)
	b = AppendString(b, 2, o.Pair)
	b = AppendUint(b, 3, uint64(o.Side))
	b = AppendUint(b, 4, kindTag(o.Kind))
	b = AppendInt(b, 5, o.Price())
	b = AppendInt(b, 6, o.Amount)
	b = AppendInt(b, 7, o.Remaining)
	b = AppendUint(b, 8, o.UserID)
	b = AppendInt(b, 9, o.SubmittedAt)
	b = AppendUint(b, 10, uint64(o.Status))
	b = AppendUint(b, 11, o.Seq)
	return b
}

func DecodeOrder(b []byte, o *orderbook.Order) error {
	var tag uint64
	var price int64
	r := NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			o.ID = r.Uint()
		case 2:
			o.Pair = r.String()
		case 3:
			o.Side = orderbook.Side(r.Uint())
		case 4:
			tag = r.Uint()
		case 5:
			price = r.Int()
		case 6:
			o.Amount = r.Int()
		case 7:
			o.Remaining = r.Int()
		case 8:
			o.UserID = r.Uint()
		case 9:
			o.SubmittedAt = r.Int()
		case 10:
			o.Status = orderbook.Status(r.Uint())
		case 11:
			o.Seq = r.Uint()
		default:
			r.Skip(num, typ)
		}
	}
	if err := r.Err(); err != nil {
		return err
	}

	switch tag {
	case kindMarket:
		o.Kind = orderbook.MarketKind()
	case kindLimit:
		o.Kind = orderbook.LimitAt(price)
	case kindIOC:
		o.Kind = orderbook.ImmediateAt(price)
	default:
		return fmt.Errorf("%w: order %d has kind %d", ErrMalformed, o.ID, tag)
	}
	return nil
}

func kindTag(k orderbook.Kind) uint64 {
	switch {
	case k.IsMarket():
		return kindMarket
	case k.IsLimit():
		return kindLimit
	case k.IsIOC():
		return kindIOC
	}
	return 0
}

// ---- trade ----

func AppendTrade(b []byte, t *orderbook.Trade) []byte {
	b = AppendUint(b, 1, t.ID)
	b = AppendString(b, 2, t.Pair)
	b = AppendInt(b, 3, t.Price)
	b = AppendInt(b, 4, t.Amount)
	b = AppendUint(b, 5, t.BuyOrderID)
	b = AppendUint(b, 6, t.SellOrderID)
	b = AppendUint(b, 7, t.BuyUserID)
	b = AppendUint(b, 8, t.SellUserID)
	b = AppendUint(b, 9, uint64(t.TakerSide))
	b = AppendInt(b, 10, t.ExecutedAt)
	b = AppendUint(b, 11, uint64(t.Settlement))
	return b
}

func DecodeTrade(b []byte, t *orderbook.Trade) error {
	r := NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			t.ID = r.Uint()
		case 2:
			t.Pair = r.String()
		case 3:
			t.Price = r.Int()
		case 4:
			t.Amount = r.Int()
		case 5:
			t.BuyOrderID = r.Uint()
		case 6:
			t.SellOrderID = r.Uint()
		case 7:
			t.BuyUserID = r.Uint()
		case 8:
			t.SellUserID = r.Uint()
		case 9:
			t.TakerSide = orderbook.Side(r.Uint())
		case 10:
			t.ExecutedAt = r.Int()
		case 11:
			t.Settlement = orderbook.SettlementStatus(r.Uint())
		default:
			r.Skip(num, typ)
		}
	}
	return r.Err()
}

// ---- snapshot ----

func AppendSnapshot(b []byte, s *orderbook.BookSnapshot) []byte {
	b = AppendString(b, 1, s.Pair)
	b = AppendUint(b, 2, s.Seq)
	b = AppendInt(b, 3, s.TakenAt)
	for i := range s.Orders {
		o := &s.Orders[i]
		b = AppendMessage(b, 4, func(b []byte) []byte { return AppendOrder(b, o) })
	}
	b = AppendUint(b, 5, s.Journal)
	return b
}

func DecodeSnapshot(b []byte, s *orderbook.BookSnapshot) error {
	r := NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			s.Pair = r.String()
		case 2:
			s.Seq = r.Uint()
		case 3:
			s.TakenAt = r.Int()
		case 4:
			var o orderbook.Order
			if err := DecodeOrder(r.Bytes(), &o); err != nil {
				return err
			}
			s.Orders = append(s.Orders, o)
		case 5:
			s.Journal = r.Uint()
		default:
			r.Skip(num, typ)
		}
	}
	return r.Err()
}
