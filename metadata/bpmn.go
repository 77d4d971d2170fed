// Package metadata extracts service-task annotations from process
// definition XML and caches them per definition. The cache keeps poller
// enrichment from re-downloading the same definition for every task.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/c360studio/taskbridge/message"
)

// serviceTask mirrors the BPMN elements we care about. Tag names match on
// local name only, so modeler namespace prefixes do not matter.
type serviceTask struct {
	ID         string         `xml:"id,attr"`
	Name       string         `xml:"name,attr"`
	Type       string         `xml:"type,attr"`
	Topic      string         `xml:"topic,attr"`
	Extensions *extensionsXML `xml:"extensionElements"`
}

type extensionsXML struct {
	Properties  []propertyXML   `xml:"properties>property"`
	Fields      []fieldXML      `xml:"field"`
	InputOutput *inputOutputXML `xml:"inputOutput"`
}

type propertyXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type fieldXML struct {
	Name        string `xml:"name,attr"`
	StringValue string `xml:"stringValue,attr"`
	StringBody  string `xml:"string"`
}

type inputOutputXML struct {
	Inputs  []parameterXML `xml:"inputParameter"`
	Outputs []parameterXML `xml:"outputParameter"`
}

type parameterXML struct {
	Name string `xml:"name,attr"`
	Body string `xml:",chardata"`
}

// ParseDefinition walks a BPMN document and returns the annotations of
// every service task, keyed by activity id. Definitions without service
// tasks produce an empty, non-nil map.
func ParseDefinition(bpmnXML string) (map[string]message.ActivityMetadata, error) {
	decoder := xml.NewDecoder(strings.NewReader(bpmnXML))
	out := make(map[string]message.ActivityMetadata)

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse definition xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "serviceTask" {
			continue
		}
		var task serviceTask
		if err := decoder.DecodeElement(&task, &start); err != nil {
			return nil, fmt.Errorf("decode serviceTask element: %w", err)
		}
		if task.ID == "" {
			continue
		}
		out[task.ID] = task.toMetadata()
	}
	return out, nil
}

func (t *serviceTask) toMetadata() message.ActivityMetadata {
	md := message.ActivityMetadata{
		ActivityInfo: message.ActivityInfo{
			ID:    t.ID,
			Name:  t.Name,
			Type:  t.Type,
			Topic: t.Topic,
		},
	}
	if t.Extensions == nil {
		return md
	}
	if len(t.Extensions.Properties) > 0 {
		md.ExtensionProperties = make(map[string]string, len(t.Extensions.Properties))
		for _, p := range t.Extensions.Properties {
			if p.Name != "" {
				md.ExtensionProperties[p.Name] = p.Value
			}
		}
	}
	if len(t.Extensions.Fields) > 0 {
		md.FieldInjections = make(map[string]string, len(t.Extensions.Fields))
		for _, f := range t.Extensions.Fields {
			if f.Name == "" {
				continue
			}
			value := f.StringValue
			if value == "" {
				value = strings.TrimSpace(f.StringBody)
			}
			md.FieldInjections[f.Name] = value
		}
	}
	if io := t.Extensions.InputOutput; io != nil {
		if len(io.Inputs) > 0 {
			md.InputParameters = make(map[string]string, len(io.Inputs))
			for _, p := range io.Inputs {
				if p.Name != "" {
					md.InputParameters[p.Name] = strings.TrimSpace(p.Body)
				}
			}
		}
		if len(io.Outputs) > 0 {
			md.OutputParameters = make(map[string]string, len(io.Outputs))
			for _, p := range io.Outputs {
				if p.Name != "" {
					md.OutputParameters[p.Name] = strings.TrimSpace(p.Body)
				}
			}
		}
	}
	return md
}
