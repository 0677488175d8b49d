package tracking

import (
	"github.com/speps/go-hashids/v2"
)

const codeMinLength = 8

// codec derives the public tracking code shown next to an entity so the
// numeric id does not have to be displayed.
type codec struct {
	h *hashids.HashID
}

func newCodec(salt string) (*codec, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = codeMinLength
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &codec{h: h}, nil
}

func (c *codec) encode(id uint64) string {
	s, err := c.h.EncodeInt64([]int64{int64(id)})
	if err != nil {
		return ""
	}
	return s
}

func (c *codec) decode(code string) (uint64, bool) {
	v, err := c.h.DecodeInt64WithError(code)
	if err != nil || len(v) != 1 || v[0] < 0 {
		return 0, false
	}
	return uint64(v[0]), true
}
