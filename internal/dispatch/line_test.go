// ABOUTME: Tests for webhook intake: signature checks and event flattening
// ABOUTME: Bodies are signed the way LINE signs them

package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "channel-secret"

const sampleWebhook = `{
  "destination": "Uxxxxxxxx",
  "events": [
    {
      "type": "message",
      "webhookEventId": "01FZ74A0TDDPYRVKNK77XKC3ZR",
      "replyToken": "nHuyWiB7yP5Zw52FIkcQobQuGDXCTA",
      "timestamp": 1625665242211,
      "mode": "active",
      "source": {"type": "user", "userId": "U4af4980629"},
      "message": {"id": "444573844083572737", "type": "text", "text": "我的身分", "quoteToken": "q3Plxr4AgKd"},
      "deliveryContext": {"isRedelivery": false}
    },
    {
      "type": "postback",
      "webhookEventId": "01FZ74A0TDDPYRVKNK77XKC3ZS",
      "replyToken": "b60d432864f44d079f6d8efe86cf404b",
      "timestamp": 1625665242212,
      "source": {"type": "user", "userId": "U4af4980629"},
      "mode": "active",
      "postback": {"data": "user_need_login"},
      "deliveryContext": {"isRedelivery": true}
    },
    {
      "type": "follow",
      "webhookEventId": "01FZ74A0TDDPYRVKNK77XKC3ZT",
      "replyToken": "85cbe770fa8b4f45bbe077b1d4be4a36",
      "timestamp": 1625665242213,
      "mode": "active",
      "source": {"type": "user", "userId": "U4af4980630"},
      "follow": {"isUnblocked": false},
      "deliveryContext": {"isRedelivery": false}
    },
    {
      "type": "unsend",
      "webhookEventId": "01FZ74A0TDDPYRVKNK77XKC3ZU",
      "timestamp": 1625665242214,
      "mode": "active",
      "source": {"type": "user", "userId": "U4af4980629"},
      "unsend": {"messageId": "325708"},
      "deliveryContext": {"isRedelivery": false}
    }
  ]
}`

// sign computes the X-Line-Signature LINE sends for body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/callback", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	return req
}

func TestParseRequest(t *testing.T) {
	events, err := ParseRequest(testSecret, webhookRequest(sampleWebhook, sign(testSecret, []byte(sampleWebhook))))
	require.NoError(t, err)
	require.Len(t, events, 3, "unhandled event types are dropped")

	msg := events[0]
	assert.Equal(t, EventMessage, msg.Type)
	assert.Equal(t, "01FZ74A0TDDPYRVKNK77XKC3ZR", msg.WebhookEventID)
	assert.Equal(t, "nHuyWiB7yP5Zw52FIkcQobQuGDXCTA", msg.ReplyToken)
	assert.Equal(t, "U4af4980629", msg.Source.UserID)
	require.NotNil(t, msg.Message)
	assert.Equal(t, "text", msg.Message.Type)
	assert.Equal(t, CmdIdentity, msg.Message.Text)
	assert.Nil(t, msg.Postback)

	pb := events[1]
	assert.Equal(t, EventPostback, pb.Type)
	require.NotNil(t, pb.Postback)
	assert.Equal(t, PostbackLogin, pb.Postback.Data)

	follow := events[2]
	assert.Equal(t, EventFollow, follow.Type)
	assert.Equal(t, "U4af4980630", follow.Source.UserID)
}

func TestParseRequest_NonTextMessage(t *testing.T) {
	body := `{"destination":"U0","events":[{"type":"message","webhookEventId":"ev1","replyToken":"tok","timestamp":1,"mode":"active","source":{"type":"user","userId":"U1"},"message":{"id":"1","type":"sticker","packageId":"1","stickerId":"1","stickerResourceType":"STATIC","quoteToken":"q"},"deliveryContext":{"isRedelivery":false}}]}`
	events, err := ParseRequest(testSecret, webhookRequest(body, sign(testSecret, []byte(body))))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Message)
	assert.NotEqual(t, "text", events[0].Message.Type)
}

func TestParseRequest_BadSignature(t *testing.T) {
	_, err := ParseRequest(testSecret, webhookRequest(sampleWebhook, sign("wrong", []byte(sampleWebhook))))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseRequest(testSecret, webhookRequest(sampleWebhook, ""))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseRequest("", webhookRequest(sampleWebhook, sign("", []byte(sampleWebhook))))
	assert.ErrorIs(t, err, ErrInvalidSignature, "an unset channel secret accepts nothing")
}

func TestParseRequest_MalformedBody(t *testing.T) {
	body := `{"events": [`
	_, err := ParseRequest(testSecret, webhookRequest(body, sign(testSecret, []byte(body))))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSignature)
}
