package rooms

// Operational rooms every admin session joins in addition to its own.
var adminExtras = []string{"almoxarife", "compras"}

// Compute returns the broadcast rooms a session with the given role must
// join. Every role joins the room named after itself; admins additionally
// join the fixed operational rooms. Unknown roles yield a singleton set on
// purpose: membership is authorized server-side, not here.
func Compute(role string) []string {
	if role == "" {
		return nil
	}
	set := []string{role}
	if role == "admin" {
		set = append(set, adminExtras...)
	}
	return set
}
