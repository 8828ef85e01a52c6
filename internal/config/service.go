package config

import "fmt"

// ServiceType selects which slice of the pipeline a process runs. The zero
// value runs every service in one process.
type ServiceType int

const (
	ServiceTypeSingular ServiceType = iota
	ServiceTypeIngest
	ServiceTypeMaterializer
	ServiceTypeDelivery
	ServiceTypeRealtime
)

func (s ServiceType) String() string {
	switch s {
	case ServiceTypeSingular:
		return ""
	case ServiceTypeIngest:
		return "ingest"
	case ServiceTypeMaterializer:
		return "materializer"
	case ServiceTypeDelivery:
		return "delivery"
	case ServiceTypeRealtime:
		return "realtime"
	}
	return "unknown"
}

func ServiceTypeFromString(s string) (ServiceType, error) {
	switch s {
	case "":
		return ServiceTypeSingular, nil
	case "ingest":
		return ServiceTypeIngest, nil
	case "materializer":
		return ServiceTypeMaterializer, nil
	case "delivery":
		return ServiceTypeDelivery, nil
	case "realtime":
		return ServiceTypeRealtime, nil
	}
	return ServiceType(-1), fmt.Errorf("unknown service: %s", s)
}

// UnmarshalText lets the service type be set from yaml and env values.
func (s *ServiceType) UnmarshalText(text []byte) error {
	parsed, err := ServiceTypeFromString(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
