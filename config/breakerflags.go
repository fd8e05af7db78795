package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/mgw/circuit"
)

const breakerUsage = `set the circuit breaker of the decision services. When no service is
	specified, the settings are used as defaults for every decision service.
	Possible parameters:
	type: consecutive, rate or disabled
	service: the cluster name or target of the decision service
	window: the size of the sliding window of the rate breaker
	failures: the number of failures opening the breaker
	timeout: how long the breaker stays open, before going half-open
	half-open-requests: the number of successful calls closing a half-open breaker
	idle-ttl: how long an unused breaker is kept
	Example: -decision-breaker type=consecutive,failures=5,timeout=10s`

var errInvalidBreakerConfig = errors.New("invalid breaker config (allowed values are: consecutive, rate or disabled)")

type breakerFlags []circuit.BreakerSettings

func (b breakerFlags) String() string {
	s := make([]string, len(b))
	for i, bi := range b {
		s[i] = bi.String()
	}

	return strings.Join(s, "\n")
}

func (b *breakerFlags) Set(value string) error {
	var s circuit.BreakerSettings

	vs := strings.Split(value, ",")
	for _, vi := range vs {
		k, v, found := strings.Cut(vi, "=")
		if !found {
			return errInvalidBreakerConfig
		}

		var err error
		switch k {
		case "type":
			s.Type, err = circuit.ParseBreakerType(v)
			if err != nil {
				return errInvalidBreakerConfig
			}
		case "service":
			s.Service = v
		case "window":
			s.Window, err = strconv.Atoi(v)
		case "failures":
			s.Failures, err = strconv.Atoi(v)
		case "timeout":
			s.Timeout, err = time.ParseDuration(v)
		case "half-open-requests":
			s.HalfOpenRequests, err = strconv.Atoi(v)
		case "idle-ttl":
			s.IdleTTL, err = time.ParseDuration(v)
		default:
			return errInvalidBreakerConfig
		}

		if err != nil {
			return err
		}
	}

	*b = append(*b, s)
	return nil
}

func (b *breakerFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var list []circuit.BreakerSettings
	if err := unmarshal(&list); err == nil {
		*b = append(*b, list...)
		return nil
	}

	var s circuit.BreakerSettings
	if err := unmarshal(&s); err != nil {
		return err
	}

	*b = append(*b, s)
	return nil
}
