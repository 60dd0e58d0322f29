// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
)

// Response is a oneM2M response primitive.
type Response struct {
	StatusCode        StatusCode
	RequestIdentifier string
	Content           Resource
	URIList           []string
	URI               string
	Debug             string
}

// Reference returns the address of the resource the response refers to,
// preferring the hierarchical URI over the resource identifier.
func (r *Response) Reference() string {
	if r.URI != "" {
		return r.URI
	}
	if r.Content != nil {
		return Attributes(r.Content).ResourceID
	}
	return ""
}

// DecodeBody fills the response from a JSON body. It understands discovery
// results (m2m:uril), created references (m2m:uri, m2m:rce), debug
// information (m2m:dbg) and resource representations.
func (r *Response) DecodeBody(body []byte) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return m2merrors.NewDataError("decode response body", err)
	}
	for key, raw := range wrapped {
		switch key {
		case "m2m:uril":
			uris, err := decodeURIList(raw)
			if err != nil {
				return err
			}
			r.URIList = uris
		case "m2m:uri":
			if err := json.Unmarshal(raw, &r.URI); err != nil {
				return m2merrors.NewDataError("decode m2m:uri", err)
			}
		case "m2m:dbg":
			if err := json.Unmarshal(raw, &r.Debug); err != nil {
				return m2merrors.NewDataError("decode m2m:dbg", err)
			}
		case "m2m:rce":
			if err := r.decodeCreated(raw); err != nil {
				return err
			}
		default:
			res, err := decodeResource(key, raw)
			if err != nil {
				return err
			}
			r.Content = res
		}
	}
	return nil
}

func (r *Response) decodeCreated(raw json.RawMessage) error {
	var rce map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rce); err != nil {
		return m2merrors.NewDataError("decode m2m:rce", err)
	}
	for key, v := range rce {
		if key == "uri" {
			if err := json.Unmarshal(v, &r.URI); err != nil {
				return m2merrors.NewDataError("decode m2m:rce uri", err)
			}
			continue
		}
		res, err := decodeResource(key, v)
		if err != nil {
			return err
		}
		r.Content = res
	}
	return nil
}

// Discovery results come either as an array or a space separated string.
func decodeURIList(raw json.RawMessage) ([]string, error) {
	var uris []string
	if err := json.Unmarshal(raw, &uris); err == nil {
		return uris, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, m2merrors.NewDataError("decode m2m:uril", err)
	}
	return strings.Fields(s), nil
}

// DebugInfo extracts m2m:dbg from a failure body, or returns the body text.
func DebugInfo(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var dbg struct {
		Debug string `json:"m2m:dbg"`
	}
	if err := json.Unmarshal(body, &dbg); err == nil && dbg.Debug != "" {
		return dbg.Debug
	}
	return string(body)
}
