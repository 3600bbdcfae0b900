package wsbridge

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/msgrelay-go/internal/json"
)

// 帧类型。请求帧携带 ID，对端以同 ID 的 result/error 帧应答；事件帧不携带 ID。
const (
	frameHello       = "hello"
	framePairingCode = "pairing_code"
	frameSendMessage = "send_message"

	frameResult = "result"
	frameError  = "error"

	eventCredsUpdate      = "creds.update"
	eventConnectionUpdate = "connection.update"
)

// frame 为桥接进程之间交换的一条 JSON 文本消息。
type frame struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type helloRequest struct {
	SessionID string          `json:"sessionId"`
	Creds     json.RawMessage `json:"creds,omitempty"`
}

type helloResult struct {
	Registered bool `json:"registered"`
}

type pairingRequest struct {
	Number string `json:"number"`
}

type pairingResult struct {
	Code string `json:"code"`
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type credsEvent struct {
	Creds json.RawMessage `json:"creds"`
}

type connectionEvent struct {
	Connection string `json:"connection"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

func encodeFrame(id, typ string, data any) ([]byte, error) {
	f := frame{ID: id, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", typ)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return frame{}, errors.New("decode frame: missing type")
	}
	return f, nil
}

func decodeData(f frame, v any) error {
	if len(f.Data) == 0 {
		return errors.Newf("%s frame has no data", f.Type)
	}
	return errors.Wrapf(json.Unmarshal(f.Data, v), "decode %s data", f.Type)
}
