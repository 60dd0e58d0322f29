// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAttribute is returned for attribute filters whose name has no wire form.
var ErrUnknownAttribute = errors.New("unknown attribute")

// FilterCriteria is the discovery and conditional retrieval predicate.
// Zero values are treated as unset.
type FilterCriteria struct {
	CreatedBefore       time.Time
	CreatedAfter        time.Time
	ModifiedSince       time.Time
	UnmodifiedSince     time.Time
	StateTagSmaller     int
	StateTagBigger      int
	ExpireBefore        time.Time
	ExpireAfter         time.Time
	SizeAbove           int
	SizeBelow           int
	Limit               int
	FilterUsage         FilterUsage
	FilterOperation     FilterOperation
	ContentFilterSyntax int
	ContentFilterQuery  string
	Level               int
	Offset              int
	ResourceTypes       []ResourceType
	SemanticFilter      string
	Labels              []string
	ContentTypes        []string
	Attributes          []Attribute
}

// Attribute is an equality condition on a resource attribute. Name is the
// logical attribute name (e.g. "resourceName") or its wire name ("rn").
type Attribute struct {
	Name  string
	Value string
}

// attributeNames maps logical attribute names onto their short wire names.
// Labels and resource type are left out: their wire keys are filter criteria.
var attributeNames = map[string]string{
	"accessControlPolicyIDs":    "acpi",
	"announceTo":                "at",
	"announcedAttribute":        "aa",
	"aeID":                      "aei",
	"appID":                     "api",
	"appName":                   "apn",
	"content":                   "con",
	"contentInfo":               "cnf",
	"contentSize":               "cs",
	"creationTime":              "ct",
	"creator":                   "cr",
	"currentByteSize":           "cbs",
	"currentNrOfInstances":      "cni",
	"eventNotificationCriteria": "enc",
	"expirationCounter":         "exc",
	"expirationTime":            "et",
	"lastModifiedTime":          "lt",
	"latest":                    "la",
	"locationID":                "li",
	"maxByteSize":               "mbs",
	"maxInstanceAge":            "mia",
	"maxNrOfInstances":          "mni",
	"notificationContentType":   "nct",
	"notificationURI":           "nu",
	"oldest":                    "ol",
	"ontologyRef":               "or",
	"parentID":                  "pi",
	"pointOfAccess":             "poa",
	"requestReachability":       "rr",
	"resourceID":                "ri",
	"resourceName":              "rn",
	"stateTag":                  "st",
	"subscriberURI":             "su",
	"supportedReleaseVersions":  "srv",
}

var wireAttributes = func() map[string]string {
	m := make(map[string]string, len(attributeNames))
	for logical, wire := range attributeNames {
		m[wire] = logical
	}
	return m
}()

// WireName resolves an attribute name to the name sent on the wire.
func WireName(name string) (string, bool) {
	if wire, ok := attributeNames[name]; ok {
		return wire, true
	}
	if _, ok := wireAttributes[name]; ok {
		return name, true
	}
	return "", false
}

// LogicalName resolves a wire attribute name to its logical name.
func LogicalName(wire string) (string, bool) {
	name, ok := wireAttributes[wire]
	return name, ok
}

func (fc *FilterCriteria) appendParams(p Params) (Params, error) {
	p = p.addTime("crb", fc.CreatedBefore)
	p = p.addTime("cra", fc.CreatedAfter)
	p = p.addTime("ms", fc.ModifiedSince)
	p = p.addTime("us", fc.UnmodifiedSince)
	p = p.addInt("sts", fc.StateTagSmaller)
	p = p.addInt("stb", fc.StateTagBigger)
	p = p.addTime("exb", fc.ExpireBefore)
	p = p.addTime("exa", fc.ExpireAfter)
	p = p.addInt("sza", fc.SizeAbove)
	p = p.addInt("szb", fc.SizeBelow)
	p = p.addInt("lim", fc.Limit)
	p = p.addInt("fu", int(fc.FilterUsage))
	p = p.addInt("fo", int(fc.FilterOperation))
	p = p.addInt("cfs", fc.ContentFilterSyntax)
	p = p.addString("cfq", fc.ContentFilterQuery)
	p = p.addInt("lvl", fc.Level)
	p = p.addInt("ofst", fc.Offset)
	for _, ty := range fc.ResourceTypes {
		p = p.addInt("ty", int(ty))
	}
	p = p.addString("smf", fc.SemanticFilter)
	for _, l := range fc.Labels {
		p = p.addString("lbl", l)
	}
	for _, c := range fc.ContentTypes {
		p = p.addString("cty", c)
	}
	for _, a := range fc.Attributes {
		wire, ok := WireName(a.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, a.Name)
		}
		p = append(p, Param{Key: wire, Value: a.Value})
	}
	return p, nil
}

// applyParam sets the filter field for key. It reports false for keys
// that are not filter criteria.
func (fc *FilterCriteria) applyParam(key, value string) (bool, error) {
	var err error
	switch key {
	case "crb":
		fc.CreatedBefore, err = ParseTime(value)
	case "cra":
		fc.CreatedAfter, err = ParseTime(value)
	case "ms":
		fc.ModifiedSince, err = ParseTime(value)
	case "us":
		fc.UnmodifiedSince, err = ParseTime(value)
	case "sts":
		fc.StateTagSmaller, err = atoi(key, value)
	case "stb":
		fc.StateTagBigger, err = atoi(key, value)
	case "exb":
		fc.ExpireBefore, err = ParseTime(value)
	case "exa":
		fc.ExpireAfter, err = ParseTime(value)
	case "sza":
		fc.SizeAbove, err = atoi(key, value)
	case "szb":
		fc.SizeBelow, err = atoi(key, value)
	case "lim":
		fc.Limit, err = atoi(key, value)
	case "fu":
		var v int
		v, err = atoi(key, value)
		fc.FilterUsage = FilterUsage(v)
	case "fo":
		var v int
		v, err = atoi(key, value)
		fc.FilterOperation = FilterOperation(v)
	case "cfs":
		fc.ContentFilterSyntax, err = atoi(key, value)
	case "cfq":
		fc.ContentFilterQuery = value
	case "lvl":
		fc.Level, err = atoi(key, value)
	case "ofst":
		fc.Offset, err = atoi(key, value)
	case "ty":
		var v int
		v, err = atoi(key, value)
		fc.ResourceTypes = append(fc.ResourceTypes, ResourceType(v))
	case "smf":
		fc.SemanticFilter = value
	case "lbl":
		fc.Labels = append(fc.Labels, value)
	case "cty":
		fc.ContentTypes = append(fc.ContentTypes, value)
	default:
		name, ok := LogicalName(key)
		if !ok {
			return false, nil
		}
		fc.Attributes = append(fc.Attributes, Attribute{Name: name, Value: value})
	}
	return true, err
}
