package calibration

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// LinkKind names the entity an event is linked to.
type LinkKind string

const (
	LinkWorkOrder   LinkKind = "work_order"
	LinkServiceCall LinkKind = "service_call"
	LinkEquipment   LinkKind = "equipment"
	LinkCalibration LinkKind = "calibration_event"
)

// Link is a reference from an event to an external entity. The set of
// implementations is closed.
type Link interface {
	Kind() LinkKind
	TargetID() string
	isLink()
}

// WorkOrderLink references a work order.
type WorkOrderLink struct{ WorkOrderID string }

// ServiceCallLink references a service call.
type ServiceCallLink struct{ ServiceCallID string }

// EquipmentLink references customer equipment.
type EquipmentLink struct{ EquipmentID string }

// CalibrationLink references a prior calibration event.
type CalibrationLink struct{ EventID string }

func (l WorkOrderLink) Kind() LinkKind { return LinkWorkOrder }
func (l WorkOrderLink) TargetID() string { return l.WorkOrderID }
func (WorkOrderLink) isLink() {}
func (l ServiceCallLink) Kind() LinkKind { return LinkServiceCall }
func (l ServiceCallLink) TargetID() string { return l.ServiceCallID }
func (ServiceCallLink) isLink() {}
func (l EquipmentLink) Kind() LinkKind { return LinkEquipment }
func (l EquipmentLink) TargetID() string { return l.EquipmentID }
func (EquipmentLink) isLink() {}
func (l CalibrationLink) Kind() LinkKind { return LinkCalibration }
func (l CalibrationLink) TargetID() string { return l.EventID }
func (CalibrationLink) isLink() {}

// LinkRecord is the wire and storage form of a Link.
type LinkRecord struct {
	Kind LinkKind `json:"kind"`
	ID   string   `json:"id"`
}

// NewLink builds the typed link for kind.
func NewLink(kind LinkKind, id string) (Link, error) {
	if id == "" {
		return nil, errors.Wrap(ErrInvalidLink, "empty id")
	}
	switch kind {
	case LinkWorkOrder:
		return WorkOrderLink{WorkOrderID: id}, nil
	case LinkServiceCall:
		return ServiceCallLink{ServiceCallID: id}, nil
	case LinkEquipment:
		return EquipmentLink{EquipmentID: id}, nil
	case LinkCalibration:
		return CalibrationLink{EventID: id}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidLink, "kind %q", kind)
	}
}

// LinkRecords converts links to records.
func LinkRecords(links []Link) []LinkRecord {
	records := make([]LinkRecord, 0, len(links))
	for _, l := range links {
		if l == nil {
			continue
		}
		records = append(records, LinkRecord{Kind: l.Kind(), ID: l.TargetID()})
	}
	return records
}

// LinksFromRecords converts records back to typed links.
func LinksFromRecords(records []LinkRecord) ([]Link, error) {
	links := make([]Link, 0, len(records))
	for _, r := range records {
		link, err := NewLink(r.Kind, r.ID)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

// EncodeLinks marshals links as a JSON array of records.
func EncodeLinks(links []Link) ([]byte, error) {
	return json.Marshal(LinkRecords(links))
}

// DecodeLinks parses a JSON array of records.
func DecodeLinks(data []byte) ([]Link, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []LinkRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(ErrInvalidLink, err.Error())
	}
	return LinksFromRecords(records)
}
