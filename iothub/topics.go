package iothub

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	apiVersion = "2021-04-12"

	topicMethodsPrefix  = "$iothub/methods/POST/"
	topicMethodsSub     = "$iothub/methods/POST/#"
	topicDesiredPrefix  = "$iothub/twin/PATCH/properties/desired/"
	topicDesiredSub     = "$iothub/twin/PATCH/properties/desired/#"
	topicTwinResPrefix  = "$iothub/twin/res/"
	topicTwinResSub     = "$iothub/twin/res/#"
	topicReportedFormat = "$iothub/twin/PATCH/properties/reported/?$rid=%d"
	topicMethodResFmt   = "$iothub/methods/res/%d/?$rid=%s"
)

func eventsTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

func deviceboundPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

// splitQuery splits "<path>/?<query>" into the path and its parsed query.
func splitQuery(s string) (string, url.Values) {
	idx := strings.Index(s, "?")
	if idx < 0 {
		return strings.TrimSuffix(s, "/"), url.Values{}
	}

	values, err := url.ParseQuery(s[idx+1:])
	if err != nil {
		values = url.Values{}
	}

	return strings.TrimSuffix(s[:idx], "/"), values
}

// parseMethodTopic extracts the method name and request id from $iothub/methods/POST/{name}/?$rid={rid}.
func parseMethodTopic(topic string) (name, rid string, err error) {
	if !strings.HasPrefix(topic, topicMethodsPrefix) {
		return "", "", fmt.Errorf("not a method topic: %s", topic)
	}

	name, query := splitQuery(strings.TrimPrefix(topic, topicMethodsPrefix))
	rid = query.Get("$rid")
	if name == "" || rid == "" {
		return "", "", fmt.Errorf("malformed method topic: %s", topic)
	}

	return name, rid, nil
}

// parseTwinResponseTopic extracts the status and request id from $iothub/twin/res/{status}/?$rid={rid}.
func parseTwinResponseTopic(topic string) (status int, rid string, err error) {
	path, query := splitQuery(strings.TrimPrefix(topic, topicTwinResPrefix))
	if _, err := fmt.Sscanf(path, "%d", &status); err != nil {
		return 0, "", fmt.Errorf("malformed twin response topic: %s", topic)
	}

	return status, query.Get("$rid"), nil
}

// parsePropertyBag decodes the url encoded application properties that follow the devicebound prefix.
func parsePropertyBag(suffix string) map[string]string {
	props := map[string]string{}
	values, err := url.ParseQuery(suffix)
	if err != nil {
		return props
	}

	for k := range values {
		props[k] = values.Get(k)
	}

	return props
}
