// Package ident builds and decodes the probe target addresses used by the
// happy-eyeballs tests. Every address carries the delay class, an optional
// record type and a correlation id that is later recovered from telemetry.
package ident

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// MaxCorrelationID is the upper bound (inclusive) of generated correlation ids.
const MaxCorrelationID = 100000

// ErrNoMatch is returned when a name does not follow the grammar of a variant.
var ErrNoMatch = errors.New("name does not match address grammar")

// Variant identifies one of the deployed test flavours.
type Variant string

const (
	VariantIP         Variant = "ip-v1"
	VariantDualRecord Variant = "ip-v2"
	VariantDNS        Variant = "dns-v1"
)

// Variants lists every supported variant.
var Variants = []Variant{VariantIP, VariantDualRecord, VariantDNS}

// ParseVariant validates a variant name.
func ParseVariant(value string) (Variant, error) {
	normalized := Variant(strings.ToLower(strings.TrimSpace(value)))
	for _, v := range Variants {
		if v == normalized {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown variant %q (allowed: ip-v1, ip-v2, dns-v1)", value)
}

// RecordTypes returns the record types probed per delay class, in issue order.
func (v Variant) RecordTypes() []RecordType {
	if v == VariantDualRecord {
		return []RecordType{RecordA, RecordAAAA}
	}
	return []RecordType{RecordNone}
}

// ResultsPath is the collector path the variant's runs are posted to.
func (v Variant) ResultsPath() string {
	switch v {
	case VariantDualRecord:
		return "v2results"
	case VariantDNS:
		return "dnsresults"
	default:
		return "results"
	}
}

// NeedsPreflight reports whether both address families must be reachable
// before a run of this variant starts.
func (v Variant) NeedsPreflight() bool {
	return v == VariantIP || v == VariantDualRecord
}

// TrimmedDelays is the number of highest delay classes the variant drops
// from the shared delay configuration.
func (v Variant) TrimmedDelays() int {
	if v == VariantDNS {
		return 2
	}
	return 0
}

// RecordType selects the competing record family in the dual-record test.
type RecordType string

const (
	RecordNone RecordType = ""
	RecordA    RecordType = "a"
	RecordAAAA RecordType = "aaaa"
)

// ParseRecordType accepts a or aaaa in any case.
func ParseRecordType(value string) (RecordType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "a":
		return RecordA, nil
	case "aaaa":
		return RecordAAAA, nil
	default:
		return RecordNone, fmt.Errorf("unknown record type %q (allowed: a, aaaa)", value)
	}
}

// Descriptor fully describes one probe. The zero value is not useful.
type Descriptor struct {
	Variant       Variant
	Delay         string
	RecordType    RecordType
	CorrelationID int
}

// Host returns the host label sequence of the probe target under base.
func (d Descriptor) Host(base string) string {
	switch d.Variant {
	case VariantDualRecord:
		return fmt.Sprintf("v2delay_%s-%d_%s.v2.%s", d.RecordType, d.CorrelationID, d.Delay, base)
	case VariantDNS:
		return fmt.Sprintf("id-%d.dns-delay-%s.v1-rdns.%s", d.CorrelationID, d.Delay, base)
	default:
		return fmt.Sprintf("id-%d.delay-%s.v1.%s", d.CorrelationID, d.Delay, base)
	}
}

// Encode returns the probe URL for d under the base domain.
func Encode(d Descriptor, base string) string {
	return "https://" + d.Host(base) + ":443/ping"
}

// Target is the encoded probe URL of d under base.
func (d Descriptor) Target(base string) string {
	return Encode(d, base)
}

// ReachabilityURL returns the address-family-only endpoint used by preflight.
func ReachabilityURL(family int, base string) string {
	return fmt.Sprintf("https://ipv%d-only.v1.%s:443/my-ip", family, base)
}

// Suffix is the trailing part shared by every probe URL of a variant. Telemetry
// names not ending in it belong to other traffic.
func Suffix(v Variant, base string) string {
	switch v {
	case VariantDualRecord:
		return "v2." + base + ":443/ping"
	case VariantDNS:
		return "v1-rdns." + base + ":443/ping"
	default:
		return "v1." + base + ":443/ping"
	}
}

// Identifier is what a telemetry name decodes to.
type Identifier struct {
	CorrelationID int
	RecordType    RecordType
	Delay         string
}

var grammars = map[Variant]*regexp.Regexp{
	VariantIP:         regexp.MustCompile(`^(?:https?://)?id-(?P<id>[0-9]+)\.delay-(?P<delay>[^./_]+)\.v1\.[^/]+/ping$`),
	VariantDualRecord: regexp.MustCompile(`^(?:https?://)?v2delay_(?P<rtype>(?i:aaaa|a))-(?P<id>[0-9]+)_(?P<delay>[^./_]+)\.v2\.[^/]+/ping$`),
	VariantDNS:        regexp.MustCompile(`^(?:https?://)?id-(?P<id>[0-9]+)\.dns-delay-(?P<delay>[^./_]+)\.v1-rdns\.[^/]+/ping$`),
}

// Decode extracts the correlation id, record type and delay class from a
// probe name of variant v. Names of other shapes yield ErrNoMatch.
func Decode(v Variant, name string) (Identifier, error) {
	re, ok := grammars[v]
	if !ok {
		return Identifier{}, fmt.Errorf("decode %q: unknown variant %q", name, v)
	}
	match := re.FindStringSubmatch(name)
	if match == nil {
		return Identifier{}, fmt.Errorf("decode %q: %w", name, ErrNoMatch)
	}
	var out Identifier
	for i, group := range re.SubexpNames() {
		switch group {
		case "id":
			id, err := strconv.Atoi(match[i])
			if err != nil || id > MaxCorrelationID {
				return Identifier{}, fmt.Errorf("decode %q: correlation id out of range: %w", name, ErrNoMatch)
			}
			out.CorrelationID = id
		case "rtype":
			out.RecordType = RecordType(strings.ToLower(match[i]))
		case "delay":
			out.Delay = match[i]
		}
	}
	return out, nil
}

// RandomID draws a correlation id uniformly from 0..MaxCorrelationID.
func RandomID() int {
	return rand.Intn(MaxCorrelationID + 1)
}

// NearestDelay returns the configured delay class closest to want. Ties keep
// the earlier configured class. Non-numeric classes are skipped.
func NearestDelay(want int, configured []string) (string, error) {
	best := ""
	bestDist := -1
	for _, raw := range configured {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		dist := value - want
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = raw
			bestDist = dist
		}
	}
	if bestDist < 0 {
		return "", errors.New("no numeric delay classes configured")
	}
	return best, nil
}

// Kind names the ad-hoc targets that can be built outside of a run.
type Kind string

const (
	// KindConnectionAttemptDelay targets a single-name dual-stack host whose
	// IPv6 answer is delayed.
	KindConnectionAttemptDelay Kind = "cad"
	// KindResolutionDelay targets a host whose A or AAAA record is delayed.
	KindResolutionDelay Kind = "rd"
)

// BuildURL returns an ad-hoc probe URL. Connection attempt delays snap to the
// nearest configured class, and snapped reports whether that happened.
// Resolution delays are used as given.
func BuildURL(kind Kind, delay int, rtype RecordType, base string, configured []string, id int) (url string, snapped bool, err error) {
	requested := strconv.Itoa(delay)
	switch kind {
	case KindConnectionAttemptDelay:
		chosen := requested
		found := false
		for _, c := range configured {
			if strings.TrimSpace(c) == requested {
				found = true
				break
			}
		}
		if !found {
			chosen, err = NearestDelay(delay, configured)
			if err != nil {
				return "", false, fmt.Errorf("build url: %w", err)
			}
			snapped = true
		}
		return Encode(Descriptor{Variant: VariantIP, Delay: chosen, CorrelationID: id}, base), snapped, nil
	case KindResolutionDelay:
		if rtype != RecordA && rtype != RecordAAAA {
			return "", false, fmt.Errorf("build url: record type required for %s", kind)
		}
		return Encode(Descriptor{Variant: VariantDualRecord, Delay: requested, RecordType: rtype, CorrelationID: id}, base), false, nil
	default:
		return "", false, fmt.Errorf("build url: unknown kind %q (allowed: cad, rd)", kind)
	}
}
