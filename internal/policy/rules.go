package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailpilot/internal/model"
)

// Operator 条件类型
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpCategory Operator = "category"
)

// Field 条件可引用的字段
type Field string

const (
	FieldFrom               Field = "from"
	FieldSenderDomain       Field = "sender_domain"
	FieldTo                 Field = "to"
	FieldSubject            Field = "subject"
	FieldBody               Field = "body"
	FieldCategory           Field = "category"
	FieldIntent             Field = "intent"
	FieldUrgency            Field = "urgency"
	FieldSentiment          Field = "sentiment"
	FieldSenderRelationship Field = "sender_relationship"
)

var knownFields = map[Field]bool{
	FieldFrom: true, FieldSenderDomain: true, FieldTo: true, FieldSubject: true, FieldBody: true,
	FieldCategory: true, FieldIntent: true, FieldUrgency: true, FieldSentiment: true, FieldSenderRelationship: true,
}

// Condition 单个条件
type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Rules 策略规则文档
type Rules struct {
	Conditions []Condition          `json:"conditions"`
	Actions    []model.PolicyAction `json:"actions"`
}

// ParseRules 严格解析规则文档：未知字段、未知操作符、未知动作都视为错误
func ParseRules(raw []byte) (Rules, error) {
	var r Rules
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Rules{}, fmt.Errorf("decode rules: %w", err)
	}

	var errs []error
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Value) == "" {
			errs = append(errs, fmt.Errorf("condition %d: empty value", i))
		}
		if c.Operator == OpCategory {
			if c.Field != "" && c.Field != FieldCategory {
				errs = append(errs, fmt.Errorf("condition %d: category operator on field %q", i, c.Field))
			}
			r.Conditions[i].Field = FieldCategory
			continue
		}
		if c.Operator != OpEquals && c.Operator != OpContains {
			errs = append(errs, fmt.Errorf("condition %d: unknown operator %q", i, c.Operator))
		}
		if !knownFields[c.Field] {
			errs = append(errs, fmt.Errorf("condition %d: unknown field %q", i, c.Field))
		}
	}
	for i, a := range r.Actions {
		if _, err := model.ParsePolicyActionType(string(a.Type)); err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
		}
	}
	return r, errors.Join(errs...)
}

func (c Condition) String() string {
	if c.Operator == OpCategory || (c.Field == FieldCategory && c.Operator == OpEquals) {
		return fmt.Sprintf("category == %q", c.Value)
	}
	if c.Operator == OpEquals {
		return fmt.Sprintf("%s == %q", c.Field, c.Value)
	}
	return fmt.Sprintf("%s contains %q", c.Field, c.Value)
}
