package model

// MetricInfo describes one internal metric exposed by the heat pump.
type MetricInfo struct {
	Name string
	Unit string
	Kind ValueKind
	// Elevated marks metrics only readable with service-technician
	// access. Coordinators omit them silently below that level.
	Elevated bool
}

// Metrics is the full metric catalogue requested by the normal
// coordinator. Inline comments describe the physical reading.
var Metrics = []MetricInfo{
	{Name: "bf1_l_min", Unit: "l/m", Kind: KindFloat},                 // Flow sensor DHW
	{Name: "bp1_pressure", Unit: "bar", Kind: KindFloat},              // Low pressure
	{Name: "bp1_temp", Unit: "°C", Kind: KindFloat},                   // Low pressure temperature
	{Name: "bp2_pressure", Unit: "bar", Kind: KindFloat},              // High pressure
	{Name: "bp2_temp", Unit: "°C", Kind: KindFloat},                   // High pressure temperature
	{Name: "bt1", Unit: "°C", Kind: KindFloat},                        // Outdoor
	{Name: "bt2", Unit: "°C", Kind: KindFloat},                        // Indoor
	{Name: "bt10", Unit: "°C", Kind: KindFloat},                       // Condenser outlet
	{Name: "bt11", Unit: "°C", Kind: KindFloat},                       // Heating medium flow
	{Name: "bt13", Unit: "°C", Kind: KindFloat},                       // Condenser inlet
	{Name: "bt14", Unit: "°C", Kind: KindFloat},                       // Exhaust air
	{Name: "bt15", Unit: "°C", Kind: KindFloat},                       // Extract air
	{Name: "bt20", Unit: "°C", Kind: KindFloat},                       // Discharge line
	{Name: "bt21", Unit: "°C", Kind: KindFloat},                       // Liquid line
	{Name: "bt22", Unit: "°C", Kind: KindFloat},                       // Evaporator inlet
	{Name: "bt23", Unit: "°C", Kind: KindFloat},                       // Suction line
	{Name: "bt30", Unit: "°C", Kind: KindFloat},                       // Accumulator tank
	{Name: "bt31", Unit: "°C", Kind: KindFloat},                       // DHW primary charge inlet
	{Name: "bt33", Unit: "°C", Kind: KindFloat},                       // DHW cold water inlet
	{Name: "bt34", Unit: "°C", Kind: KindFloat},                       // DHW hot water outlet
	{Name: "cal_heat_temp", Unit: "°C", Kind: KindFloat},              // Heating medium flow target
	{Name: "compressormeasuredspeed", Unit: "rpm", Kind: KindFloat},   // Compressor speed
	{Name: "dhw_normal_start", Unit: "°C", Kind: KindFloat},           // Tank lower limit
	{Name: "dhw_normal_stop", Unit: "°C", Kind: KindFloat},            // Tank upper limit
	{Name: "fanrpm", Unit: "rpm", Kind: KindFloat},                    // Fan speed
	{Name: "gp1_speed", Unit: "%", Kind: KindFloat},                   // Circulation pump
	{Name: "gp2_speed", Unit: "%", Kind: KindFloat},                   // DHW charge pump
	{Name: "powertotal", Unit: "W", Kind: KindFloat},                  // Total power
	{Name: "compressorenergy", Unit: "kWh", Kind: KindFloat},          // Compressor energy
	{Name: "additionalenergy", Unit: "kWh", Kind: KindFloat},          // Additional energy
	{Name: "inputcurrent1", Unit: "A", Kind: KindFloat},               // Input current L1
	{Name: "inputcurrent2", Unit: "A", Kind: KindFloat},               // Input current L2
	{Name: "inputcurrent3", Unit: "A", Kind: KindFloat},               // Input current L3
	{Name: "dhwpower", Unit: "kW", Kind: KindFloat},                   // DHW power
	{Name: "heatingpower", Unit: "kW", Kind: KindFloat},               // Heating power
	{Name: "dhw_prioritytime", Unit: "min", Kind: KindFloat},          // DHW priority time
	{Name: "dhw_prioritytimeleft", Unit: "min", Kind: KindFloat},      // DHW priority time left
	{Name: "hp_status", Kind: KindEnum},                               // Heat pump status
	{Name: "op_mode", Kind: KindEnum},                                 // Operation mode
	{Name: "tap_water_cap", Unit: "L", Kind: KindFloat},               // Hot water capacity
	{Name: "picpin_relay_heat_l1", Unit: "bool", Kind: KindBool},      // Additional power L1
	{Name: "picpin_relay_heat_l2", Unit: "bool", Kind: KindBool},      // Additional power L2
	{Name: "picpin_relay_heat_l3", Unit: "bool", Kind: KindBool},      // Additional power L3
	{Name: "picpin_relay_qm10", Unit: "bool", Kind: KindBool},         // Diverting valve DHW/heating
	{Name: "use_adaptive", Unit: "bool", Kind: KindBool},              // SmartControl active
	{Name: "smart_sh_mode", Kind: KindEnum},                           // Smart heating mode
	{Name: "smart_dhw_mode", Kind: KindEnum},                          // Smart DHW mode
	{Name: "cooling_enabled", Unit: "bool", Kind: KindBool},           // Cooling enabled
	{Name: "guide_des_temp", Unit: "°C", Kind: KindFloat},             // Guide desired temperature
	{Name: "guide_he", Unit: "°C", Kind: KindFloat},                   // Guide heating curve
	{Name: "room_temp_ext", Unit: "°C", Kind: KindFloat},              // External room sensor
	{Name: "filtered60sec_outdoortemp", Unit: "°C", Kind: KindFloat},  // Outdoor, 60s filtered
	{Name: "fan0_10v", Unit: "%", Kind: KindFloat, Elevated: true},    // Fan control voltage
	{Name: "qn8position", Unit: "%", Kind: KindFloat, Elevated: true}, // Shunt valve position
	{Name: "max_freq_env", Unit: "Hz", Kind: KindFloat, Elevated: true},
	{Name: "max_bp2_env", Unit: "bar", Kind: KindFloat, Elevated: true},
	{Name: "switch_state", Kind: KindEnum, Elevated: true},
	{Name: "picpin_mask", Kind: KindEnum, Elevated: true},
}

// FastMetricNames are the power/current/flow readings the fast
// coordinator polls. They change quickly enough that the normal cadence
// misses meaningful detail.
var FastMetricNames = []string{
	"powertotal",
	"heatingpower",
	"dhwpower",
	"inputcurrent1",
	"inputcurrent2",
	"inputcurrent3",
	"bf1_l_min",
}

// HPStatusNames maps the hp_status metric to its state name.
var HPStatusNames = map[int]string{
	0: "idle",
	1: "defrosting",
	2: "hot_water",
	3: "heating",
}

// OpModeNames maps the op_mode metric to its state name.
var OpModeNames = map[int]string{
	0: "auto",
	1: "manual",
	2: "additional_heat_only",
}

var metricIndex = func() map[string]MetricInfo {
	m := make(map[string]MetricInfo, len(Metrics))
	for _, mi := range Metrics {
		m[mi.Name] = mi
	}
	return m
}()

// MetricByName returns the catalogue entry for a metric, if known.
func MetricByName(name string) (MetricInfo, bool) {
	mi, ok := metricIndex[name]
	return mi, ok
}
