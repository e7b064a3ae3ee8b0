//go:build rp2040

package main

// Bus, ADC and LED pins come from config.Default; see pkg/config.

// Flash-backed calibration file. The block file system serves this one path.
const CALIBRATION_PATH = "/calibration.yaml"
