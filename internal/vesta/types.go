package vesta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Building describes one building known to the remote service.
type Building struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Zones   []string `json:"zones"`
}

// Zone is one zone within a building.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Sensor describes one sensor within a building. The pair
// (ServiceName, VariableName) addresses the sensor in history requests.
type Sensor struct {
	ID           string `json:"id"`
	BuildingID   string `json:"building_id"`
	Zone         string `json:"zone"`
	Device       string `json:"device"`
	Label        string `json:"label"`
	Type         string `json:"type"`
	ServiceName  string `json:"service_name"`
	VariableName string `json:"variable_name"`
	Unit         string `json:"unit"`
	Historics    bool   `json:"historics"`
}

// Status holds the acquisition bounds reported for a building.
type Status struct {
	FirstMeasurement time.Time
	LastValueChange  time.Time
}

// wire types: the vendor payloads arrive with camelCase keys, epoch-millis
// dates, and numbers that are sometimes quoted.

type wireBuilding struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Zones   []string `json:"zones"`
}

type wireZone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireSensor struct {
	ID           string   `json:"id"`
	Zone         string   `json:"zone"`
	Device       string   `json:"device"`
	Label        string   `json:"label"`
	Type         string   `json:"type"`
	ServiceName  string   `json:"serviceName"`
	VariableName string   `json:"variableName"`
	Unit         string   `json:"unit"`
	Historics    flexBool `json:"historics"`
}

type wireStatus struct {
	FirstMeasurement epochMillis `json:"firstMeasurementDate"`
	LastValueChange  epochMillis `json:"lastVariableValueChangedDate"`
}

type wireReading struct {
	Date  epochMillis `json:"date"`
	Value flexFloat   `json:"value"`
}

// epochMillis decodes a millisecond unix timestamp that may arrive as a
// JSON number or a quoted string.
type epochMillis time.Time

func (m *epochMillis) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch millis %q", string(data))
	}
	*m = epochMillis(time.UnixMilli(ms).UTC())
	return nil
}

func (m epochMillis) Time() time.Time { return time.Time(m) }

// flexFloat decodes a float that may arrive quoted.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", string(data))
	}
	*f = flexFloat(v)
	return nil
}

// flexBool decodes 0/1, "0"/"1" and true/false.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case float64:
		*b = t != 0
	case string:
		*b = t != "" && t != "0" && t != "false"
	default:
		return fmt.Errorf("invalid bool %q", string(data))
	}
	return nil
}
