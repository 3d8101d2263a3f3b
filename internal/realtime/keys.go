package realtime

import "github.com/Legion808/klinika/internal/models"

// Session keys address exactly one live connection. Queue channels use the
// role-scoped forms, chat channels are scoped to a consultation participant.

func DoctorKey(doctorID string) string   { return "doctor_" + doctorID }
func PatientKey(patientID string) string { return "patient_" + patientID }
func UserKey(userID string) string       { return "user_" + userID }

func ChatKey(consultationID, userID string) string {
	return "chat_" + consultationID + "_" + userID
}

// QueueKey returns the queue channel key for an authenticated caller.
func QueueKey(id models.Identity) string {
	switch id.Role {
	case models.RoleDoctor:
		return DoctorKey(id.ID)
	case models.RolePatient:
		return PatientKey(id.ID)
	default:
		return UserKey(id.ID)
	}
}
