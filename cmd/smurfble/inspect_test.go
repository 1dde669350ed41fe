//go:build test

package main

import (
	"strings"
	"testing"
	"time"

	suitelib "github.com/stretchr/testify/suite"

	"github.com/scchn/smurfble/internal/testutils"
)

// InspectTestSuite provides testify/suite for proper test isolation
type InspectTestSuite struct {
	CommandTestSuite

	originalFlags struct {
		inspectConnectTimeout time.Duration
		inspectReadTimeout    time.Duration
		inspectVerbose        bool
		inspectJSON           bool
		inspectReadLimit      int
	}
}

// SetupSuite runs once before all tests in the suite
func (s *InspectTestSuite) SetupSuite() {
	s.CommandTestSuite.SetupSuite()

	// Save original flag values
	s.originalFlags.inspectConnectTimeout = inspectConnectTimeout
	s.originalFlags.inspectReadTimeout = inspectReadTimeout
	s.originalFlags.inspectVerbose = inspectVerbose
	s.originalFlags.inspectJSON = inspectJSON
	s.originalFlags.inspectReadLimit = inspectReadLimit
}

// TearDownSuite runs once after all tests in the suite
func (s *InspectTestSuite) TearDownSuite() {
	// Restore original flag values
	inspectConnectTimeout = s.originalFlags.inspectConnectTimeout
	inspectReadTimeout = s.originalFlags.inspectReadTimeout
	inspectVerbose = s.originalFlags.inspectVerbose
	inspectJSON = s.originalFlags.inspectJSON
	inspectReadLimit = s.originalFlags.inspectReadLimit
}

// SetupTest runs before each test in the suite
func (s *InspectTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()

	// Reset flags before each test for proper isolation
	inspectConnectTimeout = 30 * time.Second
	inspectReadTimeout = 2 * time.Second
	inspectVerbose = false
	inspectJSON = false
	inspectReadLimit = 64
	resetFlagChanged(inspectCmd)
}

func (s *InspectTestSuite) TestInspectCmdFlags() {
	// GOAL: Verify inspect command has all required flags with correct defaults
	//
	// TEST SCENARIO: Check flag definitions → all flags present → default values correct

	s.Assert().NotNil(inspectCmd, "inspect command MUST be defined")
	s.Assert().Equal("inspect <device-address>", inspectCmd.Use, "command usage MUST match expected format")

	flags := []struct {
		name         string
		defaultValue string
	}{
		{name: "connect-timeout", defaultValue: "30s"},
		{name: "read-timeout", defaultValue: "2s"},
		{name: "json", defaultValue: "false"},
		{name: "read-limit", defaultValue: "64"},
	}

	for _, f := range flags {
		s.Run(f.name, func() {
			flag := inspectCmd.Flags().Lookup(f.name)
			s.Require().NotNil(flag, "flag MUST exist")
			s.Assert().Equal(f.defaultValue, flag.DefValue, "default value MUST match")
		})
	}

	s.Run("verbose", func() {
		flag := inspectCmd.Flags().Lookup("verbose")
		s.Require().NotNil(flag, "verbose flag MUST exist")
		s.Assert().Equal("v", flag.Shorthand, "verbose MUST have the -v shorthand")
	})
}

func (s *InspectTestSuite) TestInspectCmdArgsValidation() {
	// GOAL: Verify command requires exactly one device address
	//
	// TEST SCENARIO: Validate args with different counts → exactly one accepted

	validator := inspectCmd.Args
	s.Require().NotNil(validator, "args validator MUST be defined")

	s.Assert().NoError(validator(inspectCmd, []string{TestDeviceAddress1}), "MUST accept a single address")
	s.Assert().Error(validator(inspectCmd, []string{}), "MUST reject missing address")
	s.Assert().Error(validator(inspectCmd, []string{TestDeviceAddress1, TestDeviceAddress2}), "MUST reject extra arguments")
}

func (s *InspectTestSuite) TestNameOrUUID() {
	// GOAL: Verify UUID labeling prefers explicit names and falls back to the registry
	//
	// TEST SCENARIO: Render labels → known UUIDs annotated → unknown UUIDs pass through

	tests := []struct {
		name     string
		uuid     string
		display  string
		expected string
	}{
		{
			name:     "registry name for known characteristic",
			uuid:     "2a19",
			display:  "",
			expected: "2a19 (Battery Level)",
		},
		{
			name:     "registry name for known service",
			uuid:     "180f",
			display:  "",
			expected: "180f (Battery Service)",
		},
		{
			name:     "explicit name wins over registry",
			uuid:     "2a19",
			display:  "Charge",
			expected: "2a19 (Charge)",
		},
		{
			name:     "unknown UUID stays bare",
			uuid:     "fff0",
			display:  "",
			expected: "fff0",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Assert().Equal(tt.expected, nameOrUUID(tt.uuid, tt.display), "label MUST match")
		})
	}
}

func (s *InspectTestSuite) TestDisplayInspectReport() {
	// GOAL: Verify the text tree renders every value variant correctly
	//
	// TEST SCENARIO: Render a report → device header, services, properties and values formatted

	report := &inspectReport{
		Address: TestDeviceAddress1,
		Name:    "Widget",
		RSSI:    -42,
		Services: []serviceReport{
			{
				UUID: "180f",
				Name: "Battery Service",
				Characteristics: []charReport{
					{UUID: "2a19", Name: "Battery Level", Properties: "read|notify", ValueHex: "32", ValueText: "2"},
				},
			},
			{
				UUID: "180d",
				Name: "Heart Rate",
				Characteristics: []charReport{
					{UUID: "2a37", Name: "Heart Rate Measurement", Properties: "notify"},
					{UUID: "2a38", Name: "Body Sensor Location", Properties: "read", ReadError: "read timed out after 2s"},
				},
			},
		},
	}

	var err error
	stdout := s.CaptureStdout(func() {
		err = displayInspectReport(report)
	})
	s.Require().NoError(err, "display MUST succeed")

	expected := `Device:   00:00:00:00:00:01
Name:     Widget
RSSI:     -42 dBm
Services: 2

Service 180f (Battery Service)
  2a19 (Battery Level)
      Properties: read|notify
      Value:      0x32 "2"

Service 180d (Heart Rate)
  2a37 (Heart Rate Measurement)
      Properties: notify
  2a38 (Body Sensor Location)
      Properties: read
      Value:      <read failed: read timed out after 2s>`

	testutils.NewTextAsserter(s.T(), testutils.WithTrimSpace(true)).Assert(stdout, expected)
}

func (s *InspectTestSuite) TestDisplayInspectReportMinimal() {
	// GOAL: Verify optional report sections are omitted rather than rendered empty
	//
	// TEST SCENARIO: Render a nameless device with a bare hex value → no name line, no text value

	report := &inspectReport{
		Address: TestDeviceAddress2,
		RSSI:    -70,
		Services: []serviceReport{
			{
				UUID: "fff0",
				Characteristics: []charReport{
					{UUID: "fff1", Properties: "read", ValueHex: "0102"},
				},
			},
		},
	}

	var err error
	stdout := s.CaptureStdout(func() {
		err = displayInspectReport(report)
	})
	s.Require().NoError(err, "display MUST succeed")

	expected := `Device:   00:00:00:00:00:02
RSSI:     -70 dBm
Services: 1

Service fff0
  fff1
      Properties: read
      Value:      0x0102`

	testutils.NewTextAsserter(s.T(), testutils.WithTrimSpace(true)).Assert(stdout, expected)
}

func (s *InspectTestSuite) TestInspectCmdJSONReport() {
	// GOAL: Verify the full inspect path produces a complete JSON report
	//
	// TEST SCENARIO: Inspect a battery device → characteristic read served → JSON report on stdout

	profile := s.BuildProfile()
	s.DriveSession(profile, func() {
		ch, ok := s.Link.NextRead(s.TestTimeout)
		if !ok {
			return
		}
		s.Link.SimulateValue(ch, profile.Value(ch.UUID()), nil)
	})

	var err error
	stdout := s.CaptureStdout(func() {
		_, err = executeCommand(inspectCmd, "inspect", TestDeviceAddress1, "--json")
	})
	s.Require().NoError(err, "inspect MUST succeed")

	// The progress indicator shares stdout; the report starts at the
	// first brace.
	jsonStart := strings.Index(stdout, "{")
	s.Require().GreaterOrEqual(jsonStart, 0, "stdout MUST contain a JSON document")

	expected := `{
		"address": "00:00:00:00:00:01",
		"name": "widget",
		"rssi": -42,
		"services": [
			{
				"uuid": "180f",
				"name": "Battery Service",
				"characteristics": [
					{
						"uuid": "2a19",
						"name": "Battery Level",
						"properties": "read|notify",
						"value_hex": "32",
						"value_text": "2"
					}
				]
			}
		]
	}`

	testutils.NewJSONAsserter(s.T()).Assert(stdout[jsonStart:], expected)
}

func (s *InspectTestSuite) TestInspectCmdJSONReadFailure() {
	// GOAL: Verify an unanswered characteristic read degrades to a read_error field
	//
	// TEST SCENARIO: Device never answers the read → report still produced → read_error populated

	profile := s.BuildProfile()
	s.DriveSession(profile, nil)

	var err error
	stdout := s.CaptureStdout(func() {
		_, err = executeCommand(inspectCmd, "inspect", TestDeviceAddress1, "--json", "--read-timeout=50ms")
	})
	s.Require().NoError(err, "inspect MUST succeed despite the failed read")

	jsonStart := strings.Index(stdout, "{")
	s.Require().GreaterOrEqual(jsonStart, 0, "stdout MUST contain a JSON document")

	expected := `{
		"address": "00:00:00:00:00:01",
		"name": "widget",
		"rssi": -42,
		"services": [
			{
				"uuid": "180f",
				"name": "Battery Service",
				"characteristics": [
					{
						"uuid": "2a19",
						"name": "Battery Level",
						"properties": "read|notify",
						"read_error": "read timed out after 50ms"
					}
				]
			}
		]
	}`

	testutils.NewJSONAsserter(s.T()).Assert(stdout[jsonStart:], expected)
}

// TestInspectCommandSuite runs the test suite
func TestInspectCommandSuite(t *testing.T) {
	suitelib.Run(t, new(InspectTestSuite))
}
