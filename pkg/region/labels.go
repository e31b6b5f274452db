package region

import "fmt"

// Relationship is a (subject, predicate, object) triple of category ids.
// Names are filled in when a vocabulary is available.
type Relationship struct {
	Subject       int    `json:"subject"`
	Predicate     int    `json:"predicate"`
	Object        int    `json:"object"`
	SubjectName   string `json:"subjectName,omitempty"`
	PredicateName string `json:"predicateName,omitempty"`
	ObjectName    string `json:"objectName,omitempty"`
}

func (r Relationship) String() string {
	name := func(s string, id int) any {
		if s != "" {
			return s
		}
		return id
	}
	return fmt.Sprintf("%v - %v - %v", name(r.SubjectName, r.Subject), name(r.PredicateName, r.Predicate), name(r.ObjectName, r.Object))
}

// Localization is where the SSN found the subject and object of one relationship
type Localization struct {
	Image        string       `json:"image,omitempty"`
	Relationship Relationship `json:"relationship"`
	Threshold    float32      `json:"threshold"`
	Subject      Region       `json:"subject"`
	Object       Region       `json:"object"`
	Layout       Layout       `json:"layout"`
}

// Layout relates the object region to the subject region
type Layout struct {
	IOU                 float32 `json:"iou"`                 // Of the two boxes
	Overlap             Rect    `json:"overlap"`             // Intersection of the two boxes
	PeakDistance        float32 `json:"peakDistance"`        // Between the two peaks, in pixels
	CenterDistance      float32 `json:"centerDistance"`      // Between the box centers, in pixels. -1 if either box is empty.
	ObjectPeakInSubject bool    `json:"objectPeakInSubject"` // The object's peak lies inside the subject's box
}

func NewLayout(subject, object Region) Layout {
	l := Layout{
		IOU:                 subject.Box.IOU(object.Box),
		Overlap:             subject.Box.Intersection(object.Box),
		PeakDistance:        subject.Peak.Distance(object.Peak),
		CenterDistance:      -1,
		ObjectPeakInSubject: subject.Box.Contains(object.Peak),
	}
	if !subject.Box.IsEmpty() && !object.Box.IsEmpty() {
		l.CenterDistance = subject.Box.Center().Distance(object.Box.Center())
	}
	return l
}

// Localize summarizes the subject and object masks of one prediction.
// Both masks are dim x dim, stored row by row.
func Localize(rel Relationship, subject, object []float32, dim int, threshold float32) (*Localization, error) {
	l := &Localization{
		Relationship: rel,
		Threshold:    threshold,
	}
	var err error
	if l.Subject, err = FromMask(subject, dim, dim, threshold); err != nil {
		return nil, fmt.Errorf("Subject: %w", err)
	}
	if l.Object, err = FromMask(object, dim, dim, threshold); err != nil {
		return nil, fmt.Errorf("Object: %w", err)
	}
	l.Layout = NewLayout(l.Subject, l.Object)
	return l, nil
}
