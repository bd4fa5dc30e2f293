package evidence

// DefaultLocations are the supported Oregon listing locations.
func DefaultLocations() []Location {
	return []Location{
		{Code: "Portland", City: "Portland", StateCode: "OR", ZIP: "97201", Latitude: 45.5152, Longitude: -122.6784},
		{Code: "Salem", City: "Salem", StateCode: "OR", ZIP: "97301", Latitude: 44.9429, Longitude: -123.0351},
		{Code: "Eugene", City: "Eugene", StateCode: "OR", ZIP: "97401", Latitude: 44.0521, Longitude: -123.0868},
		{Code: "Bend", City: "Bend", StateCode: "OR", ZIP: "97701", Latitude: 44.0582, Longitude: -121.3153},
		{Code: "Medford", City: "Medford", StateCode: "OR", ZIP: "97501", Latitude: 42.3265, Longitude: -122.8756},
	}
}
