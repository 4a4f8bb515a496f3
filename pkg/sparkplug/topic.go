package sparkplug

import (
	"errors"
	"fmt"
	"strings"
)

// Namespace is the leading topic segment of the Sparkplug B namespace.
const Namespace = "spBv1.0"

// DefaultFormat is the topic template. Segments in braces are filled
// per machine and metric.
const DefaultFormat = "spBv1.0/{plant}/{area}/{dataType}/{lineCode}/{metric}"

// ErrBadTopic is wrapped by all topic parse failures.
var ErrBadTopic = errors.New("topic does not match configured format")

// Method selects how the plant/area hierarchy maps onto topic
// segments. Parris keeps plant and area as separate segments; Schultz
// folds them into a single plant_area group segment.
type Method string

const (
	MethodParris  Method = "parris"
	MethodSchultz Method = "schultz"
)

// MessageType is the Sparkplug message class carried in the topic.
type MessageType string

const (
	MessageDDATA MessageType = "DDATA"
	MessageDCMD  MessageType = "DCMD"
)

const (
	phPlant    = "{plant}"
	phArea     = "{area}"
	phDataType = "{dataType}"
	phLineCode = "{lineCode}"
	phMetric   = "{metric}"
	phGroup    = "{plant}_{area}"
)

// Scheme builds and parses topics for one configured topic family.
type Scheme struct {
	Method Method
	Format string
}

func (s Scheme) Validate() error {
	switch s.Method {
	case MethodParris, MethodSchultz:
	default:
		return fmt.Errorf("unknown topic method %q, expected %q or %q", s.Method, MethodParris, MethodSchultz)
	}
	for _, ph := range []string{phPlant, phArea, phDataType, phLineCode, phMetric} {
		if !strings.Contains(s.Format, ph) {
			return fmt.Errorf("topic format %q is missing the %s segment", s.Format, ph)
		}
	}
	for _, seg := range strings.Split(s.format(), "/") {
		if !validSegment(seg) {
			return fmt.Errorf("unsupported topic format segment %q", seg)
		}
	}
	return nil
}

func validSegment(seg string) bool {
	switch seg {
	case phPlant, phArea, phDataType, phLineCode, phMetric, phGroup:
		return true
	}
	return !strings.ContainsAny(seg, "{}")
}

// format returns the template with the Schultz group folding applied.
func (s Scheme) format() string {
	if s.Method == MethodSchultz {
		return strings.Replace(s.Format, phPlant+"/"+phArea, phGroup, 1)
	}
	return s.Format
}

// Topic renders the topic for one machine, message class and metric.
func (s Scheme) Topic(plant, area, lineCode string, mt MessageType, metric string) string {
	r := strings.NewReplacer(
		phPlant, plant,
		phArea, area,
		phDataType, string(mt),
		phLineCode, lineCode,
		phMetric, metric,
	)
	return r.Replace(s.format())
}

// Topic is one parsed topic.
type Topic struct {
	Plant    string
	Area     string
	LineCode string
	Metric   string
	Type     MessageType
}

// Parse maps a received topic back onto the configured format.
func (s Scheme) Parse(topic string) (Topic, error) {
	var out Topic

	want := strings.Split(s.format(), "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return out, fmt.Errorf("%w: %q has %d segments, format expects %d", ErrBadTopic, topic, len(got), len(want))
	}

	for i, seg := range want {
		val := got[i]
		switch seg {
		case phPlant:
			out.Plant = val
		case phArea:
			out.Area = val
		case phLineCode:
			out.LineCode = val
		case phMetric:
			out.Metric = val
		case phDataType:
			switch MessageType(val) {
			case MessageDDATA, MessageDCMD:
				out.Type = MessageType(val)
			default:
				return out, fmt.Errorf("%w: unknown data type %q in %q", ErrBadTopic, val, topic)
			}
		case phGroup:
			// the first underscore splits plant from area
			idx := strings.Index(val, "_")
			if idx < 0 {
				return out, fmt.Errorf("%w: group segment %q has no plant_area separator", ErrBadTopic, val)
			}
			out.Plant, out.Area = val[:idx], val[idx+1:]
		default:
			if seg != val {
				return out, fmt.Errorf("%w: segment %d is %q, expected %q", ErrBadTopic, i, val, seg)
			}
		}
	}

	return out, nil
}
