package alltick

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Command ids of the quote websocket API.
const (
	cmdHeartbeat         = 22000
	cmdHeartbeatResp     = 22001
	cmdDepthSubscribe    = 22002
	cmdDepthSubscribeAck = 22003
	cmdTradeSubscribe    = 22004
	cmdTradeSubscribeAck = 22005
	cmdDepthPush         = 22998
	cmdTradePush         = 22999
)

const retOK = 200

// Stream kinds accepted in provider.streams.
const (
	StreamDepth = "depth"
	StreamTrade = "trade"
)

type symbolEntry struct {
	Code       string `json:"code"`
	DepthLevel int    `json:"depth_level,omitempty"`
}

type subscribeData struct {
	SymbolList []symbolEntry `json:"symbol_list"`
}

type request struct {
	CmdID int         `json:"cmd_id"`
	SeqID int64       `json:"seq_id"`
	Trace string      `json:"trace"`
	Data  interface{} `json:"data"`
}

// frame is the envelope shared by responses and pushes.
type frame struct {
	CmdID int             `json:"cmd_id"`
	SeqID int64           `json:"seq_id"`
	Trace string          `json:"trace"`
	Ret   int             `json:"ret"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

type bookLevel struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
}

type depthPush struct {
	Code     string      `json:"code"`
	Seq      string      `json:"seq"`
	TickTime string      `json:"tick_time"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
}

type tradePush struct {
	Code           string `json:"code"`
	Seq            string `json:"seq"`
	TickTime       string `json:"tick_time"`
	Price          string `json:"price"`
	Volume         string `json:"volume"`
	Turnover       string `json:"turnover"`
	TradeDirection int    `json:"trade_direction"`
}

func decodeFrame(msg []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.CmdID == 0 {
		return frame{}, fmt.Errorf("%w: missing cmd_id", ErrMalformedFrame)
	}
	return f, nil
}

func decodeData(f frame, v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: cmd %d without data", ErrMalformedFrame, f.CmdID)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: cmd %d: %v", ErrMalformedFrame, f.CmdID, err)
	}
	return nil
}

// parsePrice returns the price when it is a strictly positive decimal.
func parsePrice(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(s)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// parseTickTime converts the millisecond tick_time field. A missing or
// invalid value yields the zero time.
func parseTickTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
