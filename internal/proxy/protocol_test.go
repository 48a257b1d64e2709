package proxy_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/proxy"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := proxy.Header{Type: constants.MessageTypeProxyRequest, Len: 300}
	assert.Equal(t, []byte{0, 0, 0, 1, 44}, h.Bytes())

	got, err := proxy.ReadHeader(bytes.NewReader(h.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestReadHeaderShortInput(t *testing.T) {
	_, err := proxy.ReadHeader(bytes.NewReader([]byte{0, 0}))
	assert.Error(t, err)
}

func TestReadBodyRejectsOversizedMessages(t *testing.T) {
	_, err := proxy.ReadBody(bytes.NewReader(nil), proxy.Header{Len: constants.MaxMessageSize + 1})
	assert.ErrorIs(t, err, pkgerrors.ErrMessageTooLarge)

	body, err := proxy.ReadBody(bytes.NewReader([]byte("abc")), proxy.Header{Len: 3})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, proxy.WriteFrame(&buf, constants.MessageTypeFailure))
	assert.Equal(t, []byte{51, 0, 0, 0, 0}, buf.Bytes())
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *proxy.Request
		wantErr error
	}{
		{
			name: "numbers",
			body: `{"msg_type":"PROXY_REQUEST","instance_id":7,"dst_ip":"10.0.0.2","dst_port":8080}`,
			want: &proxy.Request{InstanceID: 7, DstIP: "10.0.0.2", DstPort: 8080},
		},
		{
			name: "numeric strings",
			body: `{"msg_type":"PROXY_REQUEST","instance_id":"7","dst_ip":"db","dst_port":"5432"}`,
			want: &proxy.Request{InstanceID: 7, DstIP: "db", DstPort: 5432},
		},
		{
			name:    "missing port",
			body:    `{"msg_type":"PROXY_REQUEST","instance_id":7,"dst_ip":"10.0.0.2"}`,
			wantErr: pkgerrors.ErrMalformedMessage,
		},
		{
			name:    "inner type mismatch",
			body:    `{"msg_type":"SOMETHING_ELSE","instance_id":7,"dst_ip":"10.0.0.2","dst_port":80}`,
			wantErr: pkgerrors.ErrUnknownMessageType,
		},
		{
			name:    "port out of range",
			body:    `{"msg_type":"PROXY_REQUEST","instance_id":7,"dst_ip":"10.0.0.2","dst_port":70000}`,
			wantErr: pkgerrors.ErrMalformedMessage,
		},
		{
			name:    "non numeric id",
			body:    `{"msg_type":"PROXY_REQUEST","instance_id":"seven","dst_ip":"10.0.0.2","dst_port":80}`,
			wantErr: pkgerrors.ErrMalformedMessage,
		},
		{
			name:    "wrong ip type",
			body:    `{"msg_type":"PROXY_REQUEST","instance_id":7,"dst_ip":10,"dst_port":80}`,
			wantErr: pkgerrors.ErrMalformedMessage,
		},
		{
			name:    "not json",
			body:    `hello`,
			wantErr: pkgerrors.ErrMalformedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proxy.ParseRequest([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
