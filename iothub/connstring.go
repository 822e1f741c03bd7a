// Package iothub keeps a persistent MQTT session with an Azure IoT Hub: telemetry upstream, and cloud-to-device
// messages, direct methods and desired property updates downstream.
package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrInvalidConnectionString is returned when a connection string misses a required field.
var ErrInvalidConnectionString = errors.New("invalid connection string")

// Credentials are the fields of a device connection string.
type Credentials struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
}

// ParseConnectionString parses "HostName=<host>;DeviceId=<id>;SharedAccessKey=<key>".
func ParseConnectionString(s string) (Credentials, error) {
	var creds Credentials
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// keys are base64 and may end in '='
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Credentials{}, pkgerrors.Wrapf(ErrInvalidConnectionString, "malformed field %q", part)
		}

		switch kv[0] {
		case "HostName":
			creds.HostName = kv[1]
		case "DeviceId":
			creds.DeviceID = kv[1]
		case "SharedAccessKey":
			creds.SharedAccessKey = kv[1]
		}
	}

	switch {
	case creds.HostName == "":
		return Credentials{}, pkgerrors.Wrapf(ErrInvalidConnectionString, "missing HostName")
	case creds.DeviceID == "":
		return Credentials{}, pkgerrors.Wrapf(ErrInvalidConnectionString, "missing DeviceId")
	case creds.SharedAccessKey == "":
		return Credentials{}, pkgerrors.Wrapf(ErrInvalidConnectionString, "missing SharedAccessKey")
	}

	return creds, nil
}

// SASToken builds a shared access signature for the device resource that expires at expiry.
func SASToken(creds Credentials, expiry time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(creds.SharedAccessKey)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to decode shared access key")
	}

	resource := url.QueryEscape(creds.HostName + "/devices/" + creds.DeviceID)
	se := expiry.Unix()

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s\n%d", resource, se)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d", resource, url.QueryEscape(sig), se), nil
}
