package order

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// EncodeItems serializes line items for storage. Prices are written as
// strings so no precision is lost.
func EncodeItems(items []LineItem) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, li := range items {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("product_id")
			e.Str(li.ProductID)
			e.FieldStart("name")
			e.Str(li.Name)
			e.FieldStart("unit_price")
			e.Str(li.UnitPrice.String())
			e.FieldStart("quantity")
			e.Int(li.Quantity)
		})
	}
	e.ArrEnd()
	return e.Bytes()
}

// DecodeItems parses line items written by EncodeItems.
func DecodeItems(data []byte) ([]LineItem, error) {
	var items []LineItem
	d := jx.DecodeBytes(data)
	if err := d.Arr(func(d *jx.Decoder) error {
		var li LineItem
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "product_id":
				v, err := d.Str()
				li.ProductID = v
				return err
			case "name":
				v, err := d.Str()
				li.Name = v
				return err
			case "unit_price":
				v, err := d.Str()
				if err != nil {
					return err
				}
				li.UnitPrice, err = decimal.NewFromString(v)
				return err
			case "quantity":
				v, err := d.Int()
				li.Quantity = v
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		items = append(items, li)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode line items")
	}
	return items, nil
}
