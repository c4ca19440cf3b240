package streaming

import (
	"cmp"
	"net"
	"net/url"
	"strconv"

	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Icecast defaults.
const (
	DefaultIcecastHost  = "localhost"
	DefaultIcecastPort  = 8000
	DefaultIcecastMount = "/live"
	DefaultBitrate      = 128
	icecastUser         = "source"
)

// validate is the shared validator instance for sink parameters.
var validate = util.NewValidator()

// Params holds the destination settings for one sink.
type Params struct {
	URL      string `json:"url,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Mount    string `json:"mount,omitempty"`
	Password string `json:"password,omitempty"`
	Bitrate  int    `json:"bitrate,omitempty"` // kbps
}

type rtmpParams struct {
	URL     string `json:"url" validate:"required,url,startswith=rtmp://|startswith=rtmps://"`
	Bitrate int    `json:"bitrate" validate:"gte=32,lte=320"`
}

type icecastParams struct {
	Host     string `json:"host" validate:"required,max=253,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"required,gte=1,lte=65535"`
	Mount    string `json:"mount" validate:"required,startswith=/,max=256"`
	Password string `json:"password" validate:"required,max=500"`
	Bitrate  int    `json:"bitrate" validate:"gte=32,lte=320"`
}

// WithDefaults returns a copy of p with unset fields filled in for kind.
func (p Params) WithDefaults(kind types.SinkKind) Params {
	p.Bitrate = cmp.Or(p.Bitrate, DefaultBitrate)
	if kind == types.SinkIcecast {
		p.Host = cmp.Or(p.Host, DefaultIcecastHost)
		p.Port = cmp.Or(p.Port, DefaultIcecastPort)
		p.Mount = cmp.Or(p.Mount, DefaultIcecastMount)
	}
	return p
}

// Validate checks p for kind and returns a *types.ValidationError on failure.
func (p Params) Validate(kind types.SinkKind) error {
	var err error
	switch kind {
	case types.SinkRTMP:
		err = validate.Struct(rtmpParams{URL: p.URL, Bitrate: p.Bitrate})
	case types.SinkIcecast:
		err = validate.Struct(icecastParams{
			Host:     p.Host,
			Port:     p.Port,
			Mount:    p.Mount,
			Password: p.Password,
			Bitrate:  p.Bitrate,
		})
	default:
		return ErrUnknownKind
	}
	return util.ToValidationError(err, string(kind))
}

// icecastURL returns icecast://source:PW@HOST:PORT/MOUNT.
func (p Params) icecastURL() *url.URL {
	return &url.URL{
		Scheme: "icecast",
		User:   url.UserPassword(icecastUser, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   p.Mount,
	}
}

// Target returns the destination with credentials redacted.
func (p Params) Target(kind types.SinkKind) string {
	switch kind {
	case types.SinkRTMP:
		u, err := url.Parse(p.URL)
		if err != nil {
			return ""
		}
		return u.Redacted()
	case types.SinkIcecast:
		return p.icecastURL().Redacted()
	}
	return ""
}

// BuildArgs returns the FFmpeg arguments for a sink reading raw PCM from stdin.
func BuildArgs(kind types.SinkKind, p Params, sampleRate, channels int) []string {
	bitrate := strconv.Itoa(p.Bitrate) + "k"
	args := ffmpeg.BaseInputArgs(sampleRate, channels)

	switch kind {
	case types.SinkRTMP:
		args = append(args, "-c:a", "aac", "-b:a", bitrate, "-f", "flv", p.URL)
	case types.SinkIcecast:
		args = append(args,
			"-c:a", "libmp3lame",
			"-b:a", bitrate,
			"-content_type", "audio/mpeg",
			"-f", "mp3",
			p.icecastURL().String())
	}
	return args
}
