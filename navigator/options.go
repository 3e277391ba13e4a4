package navigator

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// XYPoint is a planar offset in the robot base frame, used for footprint
// polygons and circle center lists in configuration.
type XYPoint struct {
	X float64 `mapstructure:"x"`
	Y float64 `mapstructure:"y"`
}

// Options is the full recognized parameter surface of the navigation core.
type Options struct {
	ControllerFrequency float64 `mapstructure:"controller_frequency"`
	PlannerFrequency    float64 `mapstructure:"planner_frequency"`
	PlannerPatience     float64 `mapstructure:"planner_patience"`
	ControllerPatience  float64 `mapstructure:"controller_patience"`

	OscillationTimeout  float64 `mapstructure:"oscillation_timeout"`
	OscillationDistance float64 `mapstructure:"oscillation_distance"`

	MaxOffroadDis float64 `mapstructure:"max_offroad_dis"`
	MaxOffroadYaw float64 `mapstructure:"max_offroad_yaw"`

	FrontSafeCheckDis     float64 `mapstructure:"front_safe_check_dis"`
	GoalSafeCheckDis      float64 `mapstructure:"goal_safe_check_dis"`
	GoalSafeCheckDuration float64 `mapstructure:"goal_safe_check_duration"`
	GoalSafeDisA          float64 `mapstructure:"goal_safe_dis_a"`
	GoalSafeDisB          float64 `mapstructure:"goal_safe_dis_b"`
	BackwardCheckDis      float64 `mapstructure:"backward_check_dis"`

	StopDuration         float64 `mapstructure:"stop_duration"`
	StopToZeroAcc        float64 `mapstructure:"stop_to_zero_acc"`
	LocalizationDuration float64 `mapstructure:"localization_duration"`

	SBPLMaxDistance           float64 `mapstructure:"sbpl_max_distance"`
	SBPLFootprintPadding      float64 `mapstructure:"sbpl_footprint_padding"`
	FixpatternFootprintPadding float64 `mapstructure:"fixpattern_footprint_padding"`

	RecoveryFootprintExtendX   float64 `mapstructure:"recovery_footprint_extend_x"`
	RecoveryFootprintExtendY   float64 `mapstructure:"recovery_footprint_extend_y"`
	InitPathCircleCenterExtendY float64 `mapstructure:"init_path_circle_center_extend_y"`
	InitPathSampleDis          float64 `mapstructure:"init_path_sample_dis"`
	InitPathSampleYaw          float64 `mapstructure:"init_path_sample_yaw"`

	MaxPathLengthDiff   float64 `mapstructure:"max_path_length_diff"`
	SwitchCornerDisDiff float64 `mapstructure:"switch_corner_dis_diff"`
	SwitchCornerYawDiff float64 `mapstructure:"switch_corner_yaw_diff"`
	SwitchNormalDisDiff float64 `mapstructure:"switch_normal_dis_diff"`
	SwitchNormalYawDiff float64 `mapstructure:"switch_normal_yaw_diff"`
	UseFartherPlanner   bool    `mapstructure:"use_farther_planner"`

	FrontProtectorList   []int     `mapstructure:"front_protector_list"`
	CircleCenter         []XYPoint `mapstructure:"circle_center"`
	BackwardCenterPoints []XYPoint `mapstructure:"backward_center_points"`
	FootprintCenterPoints []XYPoint `mapstructure:"footprint_center_points"`
	Footprint            []XYPoint `mapstructure:"footprint"`

	AllocatedTime     float64 `mapstructure:"allocated_time"`
	InitialEpsilon    float64 `mapstructure:"initial_epsilon"`
	ForceScratchLimit int     `mapstructure:"force_scratch_limit"`

	NominalVelMPerSecs          float64 `mapstructure:"nominalvel_mpersecs"`
	TimeToTurn45DegsInPlaceSecs float64 `mapstructure:"timetoturn45degsinplace_secs"`
	LethalCost                  int     `mapstructure:"lethal_cost"`
	MapSize                     int     `mapstructure:"map_size"`
	ForwardCostMult             int     `mapstructure:"forward_cost_mult"`
	ForwardAndTurnCostMult      int     `mapstructure:"forward_and_turn_cost_mult"`
	TurnInPlaceCostMult         int     `mapstructure:"turn_in_place_cost_mult"`

	MaxVelX                 float64 `mapstructure:"max_vel_x"`
	MinVelX                 float64 `mapstructure:"min_vel_x"`
	MaxVelTheta             float64 `mapstructure:"max_vel_theta"`
	MinVelTheta             float64 `mapstructure:"min_vel_theta"`
	MinInPlaceRotationalVel float64 `mapstructure:"min_in_place_rotational_vel"`
	AccLimX                 float64 `mapstructure:"acc_lim_x"`
	AccLimY                 float64 `mapstructure:"acc_lim_y"`
	AccLimTheta             float64 `mapstructure:"acc_lim_theta"`

	XYGoalTolerance  float64 `mapstructure:"xy_goal_tolerance"`
	YawGoalTolerance float64 `mapstructure:"yaw_goal_tolerance"`

	SimTime        float64 `mapstructure:"sim_time"`
	SimGranularity float64 `mapstructure:"sim_granularity"`
	VThetaSamples  int     `mapstructure:"vtheta_samples"`
	PDistScale     float64 `mapstructure:"pdist_scale"`
	GDistScale     float64 `mapstructure:"gdist_scale"`
	OccDistScale   float64 `mapstructure:"occdist_scale"`
}

// DefaultOptions returns the tuning the original deployment ships with.
func DefaultOptions() Options {
	return Options{
		ControllerFrequency:         10,
		PlannerFrequency:            0,
		PlannerPatience:             5,
		ControllerPatience:          5,
		OscillationTimeout:          10,
		OscillationDistance:         0.3,
		MaxOffroadDis:               0.7,
		MaxOffroadYaw:               1.2,
		FrontSafeCheckDis:           2.2,
		GoalSafeCheckDis:            1.0,
		GoalSafeCheckDuration:       5,
		GoalSafeDisA:                1.0,
		GoalSafeDisB:                0.5,
		BackwardCheckDis:            0.2,
		StopDuration:                3,
		StopToZeroAcc:               0.05,
		LocalizationDuration:        5,
		SBPLMaxDistance:             5,
		SBPLFootprintPadding:        0.05,
		FixpatternFootprintPadding:  0.05,
		RecoveryFootprintExtendX:    0.05,
		RecoveryFootprintExtendY:    0.05,
		InitPathCircleCenterExtendY: 0.1,
		InitPathSampleDis:           0.1,
		InitPathSampleYaw:           0.2,
		MaxPathLengthDiff:           4,
		SwitchCornerDisDiff:         0.15,
		SwitchCornerYawDiff:         0.3,
		SwitchNormalDisDiff:         0.3,
		SwitchNormalYawDiff:         0.6,
		UseFartherPlanner:           true,
		AllocatedTime:               4,
		InitialEpsilon:              3,
		ForceScratchLimit:           500,
		NominalVelMPerSecs:          0.4,
		TimeToTurn45DegsInPlaceSecs: 0.6,
		LethalCost:                  20,
		MapSize:                     400,
		ForwardCostMult:             1,
		ForwardAndTurnCostMult:      2,
		TurnInPlaceCostMult:         50,
		MaxVelX:                     0.5,
		MinVelX:                     0.08,
		MaxVelTheta:                 0.6,
		MinVelTheta:                 -0.6,
		MinInPlaceRotationalVel:     0.1,
		AccLimX:                     2.5,
		AccLimY:                     2.5,
		AccLimTheta:                 3.2,
		XYGoalTolerance:             0.5,
		YawGoalTolerance:            0.05,
		SimTime:                     1.5,
		SimGranularity:              0.025,
		VThetaSamples:               20,
		PDistScale:                  0.6,
		GDistScale:                  0.8,
		OccDistScale:                0.01,
	}
}

// DecodeOptions overlays recognized attributes onto the defaults.
func DecodeOptions(attrs map[string]interface{}) (Options, error) {
	opts := DefaultOptions()
	if len(attrs) == 0 {
		return opts, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return opts, errors.Wrap(err, "decoding navigator options")
	}
	return opts, opts.Validate()
}

// Validate rejects configurations the control loops cannot run with,
// reporting every violation at once.
func (o Options) Validate() error {
	var errs error
	if o.ControllerFrequency <= 0 {
		errs = multierr.Append(errs, errors.New("controller_frequency must be positive"))
	}
	if o.MapSize <= 0 {
		errs = multierr.Append(errs, errors.New("map_size must be positive"))
	}
	if o.MaxVelX < o.MinVelX {
		errs = multierr.Append(errs, errors.New("max_vel_x must not be below min_vel_x"))
	}
	if o.InitialEpsilon < 1 {
		errs = multierr.Append(errs, errors.New("initial_epsilon must be at least 1"))
	}
	if len(o.CircleCenter) == 0 {
		errs = multierr.Append(errs, errors.New("circle_center must list at least one point"))
	}
	return errs
}

// ControlPeriod returns the supervisor tick period.
func (o Options) ControlPeriod() time.Duration {
	return time.Duration(float64(time.Second) / o.ControllerFrequency)
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
